package lockfile

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/microsoft/rpmoci/internal/manifest"
)

// fingerprintDoc captures exactly the manifest fields that affect
// resolution. Its canonical JSON rendering is hashed into the lockfile
// fingerprint; any change here invalidates existing lockfiles.
type fingerprintDoc struct {
	Repositories []fingerprintRepo `json:"repositories"`
	GPGKeys      []string          `json:"gpgkeys"`
	Packages     []string          `json:"packages"`
	Docs         bool              `json:"docs"`
	OSRelease    bool              `json:"os_release"`
}

type fingerprintRepo struct {
	ID      string   `json:"id,omitempty"`
	URL     string   `json:"url,omitempty"`
	Options []string `json:"options,omitempty"` // key=value, sorted
}

// Fingerprint derives the compatibility fingerprint of a manifest. The
// repository list, key list, and package list are treated as sets.
func Fingerprint(m *manifest.Manifest) string {
	doc := fingerprintDoc{
		GPGKeys:   sortedCopy(m.Contents.GPGKeys),
		Packages:  sortedCopy(m.Contents.Packages),
		Docs:      m.Contents.Docs,
		OSRelease: m.Contents.OSRelease,
	}
	for _, repo := range m.Contents.Repositories {
		entry := fingerprintRepo{ID: repo.ID, URL: repo.URL}
		for key, value := range repo.Options {
			entry.Options = append(entry.Options, fmt.Sprintf("%s=%s", key, value))
		}
		sort.Strings(entry.Options)
		doc.Repositories = append(doc.Repositories, entry)
	}
	sort.Slice(doc.Repositories, func(i, j int) bool {
		if doc.Repositories[i].ID != doc.Repositories[j].ID {
			return doc.Repositories[i].ID < doc.Repositories[j].ID
		}
		return doc.Repositories[i].URL < doc.Repositories[j].URL
	})
	// The doc marshals deterministically, so the digest is stable.
	data, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("fingerprint marshal cannot fail: %v", err))
	}
	return digest.FromBytes(data).Encoded()
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
