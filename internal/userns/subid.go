package userns

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// MinIDs is the smallest usable subordinate ID allocation. RPM payloads
// routinely ship files owned by system uids up to 999, so anything smaller
// cannot represent a real installroot.
const MinIDs = 1000

// Default subordinate ID databases.
const (
	SubUIDPath = "/etc/subuid"
	SubGIDPath = "/etc/subgid"
)

// IDRange is one subordinate ID allocation.
type IDRange struct {
	Start uint32
	Count uint32
}

// LookupSubIDs reads the caller's subordinate uid and gid allocations.
// Fewer than MinIDs available IDs is a configuration error.
func LookupSubIDs(username string) (uid IDRange, gid IDRange, err error) {
	if uid, err = firstRange(SubUIDPath, username); err != nil {
		return IDRange{}, IDRange{}, err
	}
	if gid, err = firstRange(SubGIDPath, username); err != nil {
		return IDRange{}, IDRange{}, err
	}
	return uid, gid, nil
}

// firstRange returns the first allocation for user in the given database.
func firstRange(path, user string) (IDRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return IDRange{}, fmt.Errorf("unable to read subordinate id database %s: %w", path, err)
	}
	defer f.Close()
	r, err := parseSubIDs(f, user)
	if err != nil {
		return IDRange{}, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func parseSubIDs(f io.Reader, user string) (IDRange, error) {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 3 || fields[0] != user {
			continue
		}
		start, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return IDRange{}, fmt.Errorf("invalid range start for %s: %w", user, err)
		}
		count, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return IDRange{}, fmt.Errorf("invalid range length for %s: %w", user, err)
		}
		if count < MinIDs {
			return IDRange{}, fmt.Errorf("subordinate id range for %s has only %d ids, at least %d are required", user, count, MinIDs)
		}
		return IDRange{Start: uint32(start), Count: uint32(count)}, nil
	}
	if err := scanner.Err(); err != nil {
		return IDRange{}, err
	}
	return IDRange{}, fmt.Errorf("no subordinate id range configured for %s", user)
}
