// Package hashio provides streaming digest helpers shared by the layer
// builder and the OCI layout writer.
package hashio

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// DigestWriter forwards all writes to an underlying writer while feeding the
// same bytes into a canonical (SHA-256) digester. The digest of everything
// written so far is available via Digest.
type DigestWriter struct {
	w        io.Writer
	digester digest.Digester
	n        int64
}

// NewDigestWriter returns a DigestWriter wrapping w.
func NewDigestWriter(w io.Writer) *DigestWriter {
	return &DigestWriter{
		w:        w,
		digester: digest.Canonical.Digester(),
	}
}

func (d *DigestWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if n > 0 {
		// hash.Hash writes never fail.
		d.digester.Hash().Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Digest returns the digest of all bytes written so far.
func (d *DigestWriter) Digest() digest.Digest {
	return d.digester.Digest()
}

// Size returns the number of bytes written so far.
func (d *DigestWriter) Size() int64 {
	return d.n
}

// MarshalCanonical serializes v to the canonical JSON form used for OCI
// documents and returns the bytes together with their digest. Key order is
// the struct field order of v, with no indentation and no trailing newline,
// so the same document always yields the same digest.
func MarshalCanonical(v any) ([]byte, digest.Digest, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("unable to marshal document: %w", err)
	}
	return data, digest.FromBytes(data), nil
}
