package rpmrepo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/rpmoci/internal/manifest"
)

func Test_Normalize(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		r := require.New(t)
		handles, err := Normalize([]manifest.Repository{{ID: "fedora"}})
		r.NoError(err)
		r.Len(handles, 1)
		r.Equal("fedora", handles[0].ID)
		r.Equal("true", handles[0].Options[OptionGPGCheck])
		r.Equal("true", handles[0].Options[OptionSSLVerify])
		r.True(handles[0].GPGCheck())
	})

	t.Run("manifest options win over defaults", func(t *testing.T) {
		r := require.New(t)
		handles, err := Normalize([]manifest.Repository{{
			ID:      "insecure",
			URL:     "https://repo.example/insecure",
			Options: map[string]string{OptionGPGCheck: "false"},
		}})
		r.NoError(err)
		r.False(handles[0].GPGCheck())
		r.Equal("true", handles[0].Options[OptionSSLVerify])
	})

	t.Run("synthetic id is stable", func(t *testing.T) {
		r := require.New(t)
		first, err := Normalize([]manifest.Repository{{URL: "https://repo.example/base"}})
		r.NoError(err)
		second, err := Normalize([]manifest.Repository{{URL: "https://repo.example/base"}})
		r.NoError(err)
		r.Equal(first[0].ID, second[0].ID)
		r.Len(first[0].ID, 12)
	})

	t.Run("duplicate ids rejected", func(t *testing.T) {
		r := require.New(t)
		_, err := Normalize([]manifest.Repository{{ID: "base"}, {ID: "base"}})
		r.Error(err)
		r.ErrorContains(err, "duplicate")
	})

	t.Run("empty entry rejected", func(t *testing.T) {
		r := require.New(t)
		_, err := Normalize([]manifest.Repository{{}})
		r.Error(err)
	})
}

func Test_Credentials(t *testing.T) {
	t.Run("both set", func(t *testing.T) {
		r := require.New(t)
		t.Setenv("RPMOCI_BASE_HTTP_USERNAME", "user")
		t.Setenv("RPMOCI_BASE_HTTP_PASSWORD", "secret")
		handles, err := Normalize([]manifest.Repository{{ID: "base"}})
		r.NoError(err)
		r.Equal("user", handles[0].Username)
		r.Equal("secret", handles[0].Password)
	})

	t.Run("only one set is a configuration error", func(t *testing.T) {
		r := require.New(t)
		t.Setenv("RPMOCI_BASE_HTTP_USERNAME", "user")
		_, err := Normalize([]manifest.Repository{{ID: "base"}})
		r.Error(err)
		r.ErrorContains(err, "must be set together")
	})

	t.Run("id characters mapped onto env alphabet", func(t *testing.T) {
		r := require.New(t)
		t.Setenv("RPMOCI_MY_REPO_1_HTTP_USERNAME", "user")
		t.Setenv("RPMOCI_MY_REPO_1_HTTP_PASSWORD", "secret")
		handles, err := Normalize([]manifest.Repository{{ID: "my-repo.1"}})
		r.NoError(err)
		r.Equal("user", handles[0].Username)
	})

	t.Run("absent means anonymous", func(t *testing.T) {
		r := require.New(t)
		handles, err := Normalize([]manifest.Repository{{ID: "anon"}})
		r.NoError(err)
		r.Empty(handles[0].Username)
		r.Empty(handles[0].Password)
	})
}
