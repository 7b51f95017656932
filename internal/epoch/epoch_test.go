package epoch

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_BuildTime(t *testing.T) {
	t.Run("pinned via SOURCE_DATE_EPOCH", func(t *testing.T) {
		r := require.New(t)
		t.Setenv(EnvSourceDateEpoch, "0")
		ts, err := BuildTime()
		r.NoError(err)
		r.Equal(time.Unix(0, 0).UTC(), ts)
		r.Equal("1970-01-01T00:00:00Z", RFC3339(ts))
	})

	t.Run("non-zero epoch", func(t *testing.T) {
		r := require.New(t)
		t.Setenv(EnvSourceDateEpoch, "1700000000")
		ts, err := BuildTime()
		r.NoError(err)
		r.Equal(int64(1700000000), ts.Unix())
	})

	t.Run("malformed value is a configuration error", func(t *testing.T) {
		r := require.New(t)
		t.Setenv(EnvSourceDateEpoch, "not-a-number")
		_, err := BuildTime()
		r.Error(err)
		r.ErrorContains(err, EnvSourceDateEpoch)
	})

	t.Run("unset falls back to wall clock seconds", func(t *testing.T) {
		r := require.New(t)
		// t.Setenv registers the restore; unsetting afterwards is safe.
		t.Setenv(EnvSourceDateEpoch, "")
		r.NoError(os.Unsetenv(EnvSourceDateEpoch))
		ts, err := BuildTime()
		r.NoError(err)
		r.Zero(ts.Nanosecond())
	})
}
