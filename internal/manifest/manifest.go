// Package manifest implements the user-facing build declaration: the TOML
// document naming repositories, GPG keys, and packages, together with the
// optional OCI image-config fragment.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultPath is the canonical PATH environment entry of produced images
// when the manifest does not set one.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Manifest is the root of the build declaration.
type Manifest struct {
	Contents Contents `toml:"contents"`
	Image    Image    `toml:"image"`
}

// Contents declares what goes into the image.
type Contents struct {
	Repositories []Repository `toml:"repositories"`
	GPGKeys      []string     `toml:"gpgkeys"`
	Packages     []string     `toml:"packages"`
	Docs         bool         `toml:"docs"`
	OSRelease    bool         `toml:"os_release"`
}

// Repository is a single repository entry. In TOML it is either a bare
// string (the id of a repository configured on the host) or a table with a
// url and free-form options handed through to the solver.
type Repository struct {
	ID      string
	URL     string
	Options map[string]string
}

// Image is the OCI image-config fragment of the manifest.
type Image struct {
	Entrypoint   []string          `toml:"entrypoint"`
	Cmd          []string          `toml:"cmd"`
	ExposedPorts []string          `toml:"exposed_ports"`
	Envs         map[string]string `toml:"envs"`
	Labels       map[string]string `toml:"labels"`
	WorkingDir   string            `toml:"working_dir"`
	User         string            `toml:"user"`
	StopSignal   string            `toml:"stop_signal"`
	Author       string            `toml:"author"`
}

// UnmarshalTOML accepts both forms of a repository entry.
func (r *Repository) UnmarshalTOML(v any) error {
	switch entry := v.(type) {
	case string:
		r.ID = entry
		return nil
	case map[string]any:
		for key, raw := range entry {
			value, ok := raw.(string)
			if !ok {
				return fmt.Errorf("repository option %q must be a string", key)
			}
			switch key {
			case "id":
				r.ID = value
			case "url":
				r.URL = value
			default:
				if r.Options == nil {
					r.Options = map[string]string{}
				}
				r.Options[key] = value
			}
		}
		return nil
	default:
		return fmt.Errorf("repository entry must be a string or a table, got %T", v)
	}
}

// Load reads and validates a manifest from path, applying defaults.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read manifest %s: %w", path, err)
	}
	m := &Manifest{
		// docs defaults to false, os_release to true.
		Contents: Contents{OSRelease: true},
	}
	if _, err := toml.Decode(string(data), m); err != nil {
		return nil, fmt.Errorf("unable to parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return m, nil
}

// Validate checks the declaration for configuration errors, naming the
// offending field.
func (m *Manifest) Validate() error {
	var errs error
	if len(m.Contents.Packages) == 0 {
		errs = errors.Join(errs, errors.New("contents.packages must name at least one package"))
	}
	for i, repo := range m.Contents.Repositories {
		if repo.ID == "" && repo.URL == "" {
			errs = errors.Join(errs, fmt.Errorf("contents.repositories[%d] must set an id or a url", i))
		}
	}
	for _, pkg := range m.Contents.Packages {
		if pkg == "" {
			errs = errors.Join(errs, errors.New("contents.packages must not contain empty entries"))
		}
	}
	for _, port := range m.Image.ExposedPorts {
		if port == "" {
			errs = errors.Join(errs, errors.New("image.exposed_ports must not contain empty entries"))
		}
	}
	return errs
}

// LocalPackages returns the package entries that refer to local RPM files.
func (m *Manifest) LocalPackages() []string {
	var local []string
	for _, pkg := range m.Contents.Packages {
		if IsLocalPackage(pkg) {
			local = append(local, pkg)
		}
	}
	return local
}

// RemotePackages returns the package specs to be resolved against
// repositories.
func (m *Manifest) RemotePackages() []string {
	var remote []string
	for _, pkg := range m.Contents.Packages {
		if !IsLocalPackage(pkg) {
			remote = append(remote, pkg)
		}
	}
	return remote
}

// IsLocalPackage reports whether a package entry names a local RPM file
// rather than a spec for the solver.
func IsLocalPackage(pkg string) bool {
	return strings.HasSuffix(pkg, ".rpm")
}

// EnvSlice renders the image environment as KEY=VALUE pairs. PATH is always
// present (the manifest value or DefaultPath) and leads the slice; the
// remaining keys follow in sorted order so the config document is stable.
func (m *Manifest) EnvSlice() []string {
	path := DefaultPath
	keys := make([]string, 0, len(m.Image.Envs))
	for key := range m.Image.Envs {
		if key == "PATH" {
			path = m.Image.Envs[key]
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	envs := make([]string, 0, len(keys)+1)
	envs = append(envs, "PATH="+path)
	for _, key := range keys {
		envs = append(envs, key+"="+m.Image.Envs[key])
	}
	return envs
}
