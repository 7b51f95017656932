// Package userns re-executes the build inside a new user namespace so an
// unprivileged caller can create installroot files owned by arbitrary
// mapped uids and gids.
package userns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sys/unix"
)

// EnvMarker tells a re-executed child that it is already inside the
// namespace. Its value is the file descriptor of the mapping-sync pipe.
const EnvMarker = "_RPMOCI_IN_NAMESPACE"

// EnvIDCount tells the child how many subordinate ids were mapped, for
// post-install ownership checks.
const EnvIDCount = "_RPMOCI_SUBID_COUNT"

// syncFD is where the sync pipe lands in the child (after stdio).
const syncFD = 3

// NeedsSetup reports whether the current process must enter a user
// namespace before building: it is unprivileged and not already inside one
// of ours.
func NeedsSetup() bool {
	return os.Geteuid() != 0 && os.Getenv(EnvMarker) == ""
}

// ReExec runs the current invocation again inside a new user namespace and
// returns the child's exit code. The caller's uid and gid map to 0 inside;
// the subordinate ranges map to 1..N. The mappings are established from the
// outside with newuidmap/newgidmap, and the child blocks on a pipe until
// they are in place.
func ReExec(ctx context.Context) (_ int, err error) {
	current, err := user.Current()
	if err != nil {
		return 0, fmt.Errorf("unable to determine current user: %w", err)
	}
	uidRange, gidRange, err := LookupSubIDs(current.Username)
	if err != nil {
		return 0, err
	}
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("unable to locate own executable: %w", err)
	}

	syncRead, syncWrite, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("unable to create sync pipe: %w", err)
	}
	defer func() {
		err = errors.Join(err, syncRead.Close())
	}()

	cmd := exec.CommandContext(ctx, exe, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", EnvMarker, syncFD),
		fmt.Sprintf("%s=%d", EnvIDCount, min(uidRange.Count, gidRange.Count)),
	)
	cmd.ExtraFiles = []*os.File{syncRead}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER,
	}

	slogcontext.FromCtx(ctx).Debug("re-executing inside a user namespace",
		slog.Uint64("subuid_start", uint64(uidRange.Start)),
		slog.Uint64("subuid_count", uint64(uidRange.Count)),
	)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("unable to unshare user namespace: %w", err)
	}

	mapErr := writeMappings(cmd.Process.Pid, os.Getuid(), os.Getgid(), uidRange, gidRange)
	if mapErr != nil {
		// Release the child either way; it exits on pipe EOF.
		_ = syncWrite.Close()
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return 0, mapErr
	}
	if err := syncWrite.Close(); err != nil {
		return 0, fmt.Errorf("unable to signal namespace child: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return exit.ExitCode(), nil
		}
		return 0, fmt.Errorf("namespace child failed: %w", err)
	}
	return 0, nil
}

// writeMappings establishes the uid and gid maps of the child through the
// setuid newuidmap/newgidmap helpers, which is the only way an unprivileged
// parent may install multi-range mappings.
func writeMappings(pid, uid, gid int, uidRange, gidRange IDRange) error {
	uidArgs := mappingArgs(pid, uid, uidRange)
	if out, err := exec.Command("newuidmap", uidArgs...).CombinedOutput(); err != nil {
		return fmt.Errorf("newuidmap failed: %v: %s", err, out)
	}
	gidArgs := mappingArgs(pid, gid, gidRange)
	if out, err := exec.Command("newgidmap", gidArgs...).CombinedOutput(); err != nil {
		return fmt.Errorf("newgidmap failed: %v: %s", err, out)
	}
	return nil
}

// mappingArgs renders the two map entries: caller id -> 0, subordinate
// range -> 1..N.
func mappingArgs(pid, callerID int, r IDRange) []string {
	return []string{
		strconv.Itoa(pid),
		"0", strconv.Itoa(callerID), "1",
		"1", strconv.FormatUint(uint64(r.Start), 10), strconv.FormatUint(uint64(r.Count), 10),
	}
}

// AwaitMappings is called at startup inside the namespace. It blocks until
// the parent has installed the id mappings, then assumes root inside the
// namespace so the package manager sees uid 0.
func AwaitMappings() error {
	raw, ok := os.LookupEnv(EnvMarker)
	if !ok {
		return nil
	}
	fd, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", EnvMarker, raw, err)
	}
	pipe := os.NewFile(uintptr(fd), "userns-sync")
	if pipe == nil {
		return fmt.Errorf("sync pipe fd %d is not open", fd)
	}
	buf := make([]byte, 1)
	if _, err := pipe.Read(buf); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("waiting for id mappings: %w", err)
	}
	if err := pipe.Close(); err != nil {
		return err
	}
	if err := unix.Setresgid(0, 0, 0); err != nil {
		return fmt.Errorf("unable to assume gid 0 in namespace: %w", err)
	}
	if err := unix.Setresuid(0, 0, 0); err != nil {
		return fmt.Errorf("unable to assume uid 0 in namespace: %w", err)
	}
	return nil
}

// MaxMappedID returns the largest uid or gid representable inside the
// namespace given the subordinate range, for post-install ownership checks.
func MaxMappedID(r IDRange) uint32 {
	return r.Count // ids 1..Count map the subordinate range
}

// MappedIDCount reports the mapped id count inside a re-executed child, as
// published by the parent. Zero means the process is not inside one of our
// namespaces.
func MappedIDCount() uint32 {
	raw, ok := os.LookupEnv(EnvIDCount)
	if !ok {
		return 0
	}
	count, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(count)
}
