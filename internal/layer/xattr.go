package layer

import (
	"archive/tar"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// paxSchilyXattr is the PAX record prefix tar implementations agree on for
// extended attributes, including file capabilities (security.capability).
const paxSchilyXattr = "SCHILY.xattr."

// xattrRecords attaches the entry's extended attributes to the header as
// sorted PAX records.
func xattrRecords(path string, hdr *tar.Header) error {
	names, err := listXattrs(path)
	if err != nil {
		return fmt.Errorf("unable to list xattrs of %s: %w", path, err)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	if hdr.PAXRecords == nil {
		hdr.PAXRecords = make(map[string]string, len(names))
	}
	for _, name := range names {
		value, err := getXattr(path, name)
		if err != nil {
			return fmt.Errorf("unable to read xattr %s of %s: %w", name, path, err)
		}
		hdr.PAXRecords[paxSchilyXattr+name] = string(value)
	}
	return nil
}

func listXattrs(path string) ([]string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		if ignorableXattrError(err) {
			return nil, nil
		}
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	read, err := unix.Llistxattr(path, buf)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range strings.Split(string(buf[:read]), "\x00") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func getXattr(path, name string) ([]byte, error) {
	size, err := unix.Lgetxattr(path, name, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	read, err := unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// ignorableXattrError covers filesystems and entry types that do not
// support extended attributes at all.
func ignorableXattrError(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EPERM)
}
