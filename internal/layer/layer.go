// Package layer turns an installroot into the single gzip-compressed tar
// layer of the image. The stream is fully deterministic: stable entry
// order, canonical timestamps, numeric ownership, hardlink preservation,
// and pinned gzip parameters, so identical inputs produce identical blobs.
package layer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opencontainers/go-digest"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/microsoft/rpmoci/internal/hashio"
)

// Descriptor identifies a built layer: the digest of the compressed blob,
// the diff-id of the uncompressed tar, and the compressed size.
type Descriptor struct {
	Digest digest.Digest
	DiffID digest.Digest
	Size   int64
}

// Options controls layer construction.
type Options struct {
	// MTime is the canonical timestamp stamped onto every entry.
	MTime time.Time
	// Out receives the gzip-compressed tar stream.
	Out io.Writer
}

// inode keys the hardlink map.
type inode struct {
	dev uint64
	ino uint64
}

// Build walks root and streams it as a compressed tar layer into opts.Out,
// producing both digests in a single pass.
func Build(ctx context.Context, root string, opts Options) (Descriptor, error) {
	blob := hashio.NewDigestWriter(opts.Out)
	gz, err := gzip.NewWriterLevel(blob, gzip.BestCompression)
	if err != nil {
		return Descriptor{}, fmt.Errorf("unable to create gzip writer: %w", err)
	}
	// The gzip header is left at its zero value: mtime 0, no name, so the
	// compressed bytes depend only on the tar stream.

	diff := digest.Canonical.Digester()
	tw := tar.NewWriter(io.MultiWriter(gz, diff.Hash()))

	walker := &walker{
		root:  root,
		mtime: opts.MTime.UTC().Truncate(time.Second),
		tw:    tw,
		seen:  make(map[inode]string),
	}
	if err := filepath.WalkDir(root, walker.visit); err != nil {
		return Descriptor{}, err
	}

	if err := tw.Close(); err != nil {
		return Descriptor{}, fmt.Errorf("unable to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return Descriptor{}, fmt.Errorf("unable to finish gzip stream: %w", err)
	}

	desc := Descriptor{
		Digest: blob.Digest(),
		DiffID: diff.Digest(),
		Size:   blob.Size(),
	}
	slogcontext.FromCtx(ctx).Debug("layer built",
		slog.String("digest", desc.Digest.String()),
		slog.String("diff_id", desc.DiffID.String()),
		slog.Int64("size", desc.Size),
	)
	return desc, nil
}

type walker struct {
	root  string
	mtime time.Time
	tw    *tar.Writer
	// seen maps each multi-link inode to the first path it was emitted
	// under; later paths become hardlink entries.
	seen map[inode]string
}

// visit emits one filesystem entry. filepath.WalkDir already yields a
// lexicographic pre-order walk (byte-wise name order, directories before
// their children), which is exactly the required entry order.
func (w *walker) visit(path string, d fs.DirEntry, err error) error {
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	name := filepath.ToSlash(rel)

	fi, err := d.Info()
	if err != nil {
		return err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported stat type for %s", path)
	}

	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return fmt.Errorf("unable to read symlink %s: %w", path, err)
		}
	}

	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return fmt.Errorf("unable to build tar header for %s: %w", path, err)
	}
	hdr.Name = name
	if fi.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatPAX
	hdr.Uid = int(st.Uid)
	hdr.Gid = int(st.Gid)
	hdr.Uname = ""
	hdr.Gname = ""
	hdr.ModTime = w.mtime
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}

	if err := xattrRecords(path, hdr); err != nil {
		return err
	}

	// A multi-link regular file is emitted once as a regular entry; every
	// further path becomes a link entry with size zero referencing it.
	writeBody := fi.Mode().IsRegular()
	if writeBody && st.Nlink > 1 {
		key := inode{dev: uint64(st.Dev), ino: uint64(st.Ino)}
		if first, linked := w.seen[key]; linked {
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = first
			hdr.Size = 0
			writeBody = false
		} else {
			w.seen[key] = name
		}
	}

	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("unable to write tar header for %s: %w", name, err)
	}
	if !writeBody {
		return nil
	}
	return w.copyFile(path, name)
}

func (w *walker) copyFile(path, name string) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	if _, err := io.Copy(w.tw, f); err != nil {
		return fmt.Errorf("unable to archive %s: %w", name, err)
	}
	return nil
}
