// Package rpmsig checks downloaded RPM files against their pinned checksums
// and verifies their embedded signatures against the imported GPG keyring.
package rpmsig

import (
	"errors"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/opencontainers/go-digest"
	"github.com/sassoftware/go-rpmutils"

	"github.com/microsoft/rpmoci/internal/lockfile"
)

var (
	// ErrUnsigned marks a package that carries no signature although its
	// repository demands one.
	ErrUnsigned = errors.New("package is not signed")
	// ErrBadSignature marks a signature that does not verify against any
	// imported key.
	ErrBadSignature = errors.New("package signature verification failed")
)

// Verify parses the RPM at path and checks its header signature against the
// keyring. Packages from gpgcheck=false repositories and local packages
// never reach this function.
func Verify(path string, ring openpgp.EntityList) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to open rpm %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	_, sigs, err := rpmutils.Verify(f, ring)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadSignature, path, err)
	}
	if len(sigs) == 0 {
		return fmt.Errorf("%w: %s", ErrUnsigned, path)
	}
	for _, sig := range sigs {
		if sig.Signer == nil {
			return fmt.Errorf("%w: %s: no imported key matches key id %x", ErrBadSignature, path, sig.KeyId)
		}
	}
	return nil
}

// VerifyChecksum hashes the file at path and compares it against the pinned
// checksum from the lockfile.
func VerifyChecksum(path string, want lockfile.Checksum) (err error) {
	expected, err := want.Digest()
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to open rpm %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	got, err := digest.FromReader(f)
	if err != nil {
		return fmt.Errorf("unable to hash rpm %s: %w", path, err)
	}
	if got != expected {
		return fmt.Errorf("checksum mismatch for %s: lockfile pins %s, file is %s", path, expected, got)
	}
	return nil
}
