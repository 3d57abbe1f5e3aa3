package bpfman

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// groupID is the gid applied to entries of pinned map directories, set
// through SetDaemonGroup. A negative value (the default, -1) means "don't
// chown"; any value >= 0, including 0, is applied.
var groupID = -1

// SetDaemonGroup configures the gid fsutil applies to map directories it
// creates, matching the original's "owned by the bpfman group" behavior
// (spec §3 Map.Attributes).
func SetDaemonGroup(gid int) { groupID = gid }

// setDirGroupPermissions sets 0o660 on every entry directly inside dir and
// chowns them to the daemon group, mirroring set_dir_permissions in the
// original implementation.
func setDirGroupPermissions(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if err := os.Chmod(path, directoriesSockMode); err != nil {
			continue
		}
		if groupID >= 0 {
			_ = unix.Chown(path, -1, groupID)
		}
	}
	return nil
}

// directoriesSockMode mirrors internal/directories.SockMode without an
// import cycle; pkg/bpfman is imported by internal/directories' consumers,
// not the other way around, but keeping the literal local avoids coupling
// this low-level helper to a specific directory layout.
const directoriesSockMode = 0o660
