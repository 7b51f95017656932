// Package rpmrepo normalizes manifest repository entries into the uniform
// handles the resolver consumes, injects HTTP credentials from the
// environment, and prepares GPG keyrings.
package rpmrepo

import (
	"fmt"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/microsoft/rpmoci/internal/manifest"
)

// Boolean repository options with spec-mandated defaults.
const (
	OptionGPGCheck  = "gpgcheck"
	OptionSSLVerify = "sslverify"
)

// Handle is a repository entry in the uniform form handed to the solver.
type Handle struct {
	// ID uniquely identifies the repository. For URL-only entries it is a
	// synthetic value derived from the URL so two builds of the same
	// manifest agree on it.
	ID string
	// URL is empty for repositories configured on the host.
	URL string
	// Options are solver pass-through options, with gpgcheck and sslverify
	// always present.
	Options map[string]string
	// Username and Password carry HTTP basic auth when configured.
	Username string
	Password string
}

// GPGCheck reports whether packages from this repository require a valid
// signature.
func (h Handle) GPGCheck() bool {
	return h.Options[OptionGPGCheck] != "false"
}

// Normalize converts the manifest's repository list into handles, applying
// option defaults, deriving synthetic IDs, and injecting credentials.
func Normalize(repos []manifest.Repository) ([]Handle, error) {
	handles := make([]Handle, 0, len(repos))
	seen := make(map[string]struct{}, len(repos))
	for i, repo := range repos {
		h := Handle{
			ID:      repo.ID,
			URL:     repo.URL,
			Options: map[string]string{OptionGPGCheck: "true", OptionSSLVerify: "true"},
		}
		for key, value := range repo.Options {
			h.Options[key] = value
		}
		if h.ID == "" {
			if h.URL == "" {
				return nil, fmt.Errorf("repository entry %d has neither an id nor a url", i)
			}
			h.ID = syntheticID(h.URL)
		}
		if _, dup := seen[h.ID]; dup {
			return nil, fmt.Errorf("duplicate repository id %q", h.ID)
		}
		seen[h.ID] = struct{}{}

		username, password, err := credentials(h.ID)
		if err != nil {
			return nil, err
		}
		h.Username, h.Password = username, password
		handles = append(handles, h)
	}
	return handles, nil
}

// syntheticID derives a stable repository id from a URL.
func syntheticID(url string) string {
	return digest.FromString(url).Encoded()[:12]
}

// credentials reads RPMOCI_<ID>_HTTP_USERNAME / _HTTP_PASSWORD for the
// repository. Setting only one of the pair is a configuration error.
func credentials(id string) (string, string, error) {
	prefix := "RPMOCI_" + envKey(id) + "_HTTP_"
	username, userSet := os.LookupEnv(prefix + "USERNAME")
	password, passSet := os.LookupEnv(prefix + "PASSWORD")
	if userSet != passSet {
		return "", "", fmt.Errorf("repository %q: %sUSERNAME and %sPASSWORD must be set together", id, prefix, prefix)
	}
	return username, password, nil
}

// envKey maps a repository id onto the environment variable alphabet.
func envKey(id string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
	return strings.ToUpper(mapped)
}
