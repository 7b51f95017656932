package userns

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_parseSubIDs(t *testing.T) {
	t.Run("first matching entry wins", func(t *testing.T) {
		r := require.New(t)
		db := strings.NewReader(`# comment
root:100000:65536
alice:200000:65536
alice:300000:65536
`)
		rng, err := parseSubIDs(db, "alice")
		r.NoError(err)
		r.Equal(uint32(200000), rng.Start)
		r.Equal(uint32(65536), rng.Count)
	})

	t.Run("too small range is a configuration error", func(t *testing.T) {
		r := require.New(t)
		rng, err := parseSubIDs(strings.NewReader("alice:200000:500\n"), "alice")
		r.Error(err)
		r.Zero(rng)
		r.ErrorContains(err, "at least 1000")
	})

	t.Run("missing user", func(t *testing.T) {
		r := require.New(t)
		_, err := parseSubIDs(strings.NewReader("bob:100000:65536\n"), "alice")
		r.Error(err)
		r.ErrorContains(err, "alice")
	})

	t.Run("malformed lines are skipped", func(t *testing.T) {
		r := require.New(t)
		db := strings.NewReader("garbage\nalice:100000:65536\n")
		rng, err := parseSubIDs(db, "alice")
		r.NoError(err)
		r.Equal(uint32(100000), rng.Start)
	})

	t.Run("non-numeric range rejected", func(t *testing.T) {
		r := require.New(t)
		_, err := parseSubIDs(strings.NewReader("alice:start:65536\n"), "alice")
		r.Error(err)
	})
}

func Test_mappingArgs(t *testing.T) {
	r := require.New(t)
	args := mappingArgs(4242, 1000, IDRange{Start: 100000, Count: 65536})
	r.Equal([]string{"4242", "0", "1000", "1", "1", "100000", "65536"}, args)
}

func Test_MaxMappedID(t *testing.T) {
	require.Equal(t, uint32(65536), MaxMappedID(IDRange{Start: 100000, Count: 65536}))
}
