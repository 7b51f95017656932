// Package epoch resolves the canonical build timestamp used for all
// reproducibility-sensitive metadata: tar mtimes, the image config created
// field, and history entries.
package epoch

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvSourceDateEpoch is the well-known reproducible-builds environment
// variable. When set, its value pins the build timestamp.
const EnvSourceDateEpoch = "SOURCE_DATE_EPOCH"

// BuildTime returns the canonical build timestamp in UTC, truncated to
// seconds. If SOURCE_DATE_EPOCH is set it must be a decimal integer of
// seconds since the Unix epoch; a malformed value is a configuration error.
// Otherwise the current wall clock is used, computed once per invocation by
// the caller.
func BuildTime() (time.Time, error) {
	raw, ok := os.LookupEnv(EnvSourceDateEpoch)
	if !ok {
		return time.Now().UTC().Truncate(time.Second), nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s value %q: %w", EnvSourceDateEpoch, raw, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// RFC3339 renders t the way the OCI image config expects the created field.
func RFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
