package installroot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	slogcontext "github.com/veqryn/slog-context"
	_ "modernc.org/sqlite"
)

// rpmdbLocations are the places distributions keep the SQLite package
// database, relative to the installroot.
var rpmdbLocations = []string{
	"var/lib/rpm/rpmdb.sqlite",
	"usr/lib/sysimage/rpm/rpmdb.sqlite",
}

// CanonicalizeRPMDB rewrites the RPM SQLite database into a canonical form
// so that identical install sequences produce byte-identical databases:
// the rollback journal is switched off WAL, freed pages are zeroed, and the
// file is vacuumed. Absence of a SQLite database (older bdb roots) is not
// an error.
func CanonicalizeRPMDB(ctx context.Context, root string) error {
	for _, location := range rpmdbLocations {
		path := filepath.Join(root, location)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("unable to stat rpm database: %w", err)
		}
		slogcontext.FromCtx(ctx).Debug("canonicalizing rpm database", slog.String("path", path))
		if err := canonicalizeSQLite(ctx, path); err != nil {
			return fmt.Errorf("unable to canonicalize rpm database %s: %w", path, err)
		}
		return removeSidecars(path)
	}
	return nil
}

func canonicalizeSQLite(ctx context.Context, path string) (err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, db.Close())
	}()

	// Order matters: leaving WAL mode folds the log into the main file,
	// secure_delete zeroes pages freed from then on, and VACUUM rebuilds
	// the file so its page layout depends only on the table contents.
	statements := []string{
		"PRAGMA journal_mode = DELETE",
		"PRAGMA secure_delete = ON",
		"VACUUM",
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("%s: %w", statement, err)
		}
	}
	return nil
}

// removeSidecars drops WAL and shared-memory files left next to the
// database.
func removeSidecars(path string) error {
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("unable to remove %s: %w", path+suffix, err)
		}
	}
	return nil
}
