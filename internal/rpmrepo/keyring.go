package rpmrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// Keyring holds the imported public keys both as parsed entities for
// signature verification and as files for the solver.
type Keyring struct {
	// Entities is the parsed keyring used by the RPM signature verifier.
	Entities openpgp.EntityList
	// Paths are the on-disk key files handed to the solver, one per
	// manifest entry, in manifest order.
	Paths []string
}

// PrepareKeyring fetches every manifest key (file path or URL) into dir and
// parses the combined keyring. A key that parses to zero entities is a
// verification error.
func PrepareKeyring(ctx context.Context, keys []string, dir string) (*Keyring, error) {
	ring := &Keyring{}
	for i, key := range keys {
		data, err := fetchKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch gpg key %s: %w", key, err)
		}
		entities, err := readKey(data)
		if err != nil {
			return nil, fmt.Errorf("unable to parse gpg key %s: %w", key, err)
		}
		ring.Entities = append(ring.Entities, entities...)

		path := filepath.Join(dir, fmt.Sprintf("key-%d.asc", i))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("unable to store gpg key %s: %w", key, err)
		}
		ring.Paths = append(ring.Paths, path)
	}
	return ring, nil
}

func fetchKey(ctx context.Context, key string) (_ []byte, err error) {
	if !strings.HasPrefix(key, "http://") && !strings.HasPrefix(key, "https://") {
		return os.ReadFile(strings.TrimPrefix(key, "file://"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, resp.Body.Close())
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func readKey(data []byte) (openpgp.EntityList, error) {
	var entities openpgp.EntityList
	var err error
	if bytes.Contains(data, []byte("-----BEGIN PGP")) {
		entities, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	} else {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, errors.New("keyring contains no keys")
	}
	return entities, nil
}
