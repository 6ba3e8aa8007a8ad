// Package mapperm implements the Map Permission Enforcer (spec.md §4.H):
// after a successful Load, it walks a program's map-pin directory and
// grants a configured administrative group access to the pinned maps.
package mapperm

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// dirMode and fileMode are applied to the map-pin directory and its pinned
// map files respectively: group-readable/writable, no access for others.
const (
	dirMode  fs.FileMode = 0o770
	fileMode fs.FileMode = 0o660
)

// Enforcer grants GroupName access to every path it is handed.
type Enforcer struct {
	GroupName string
}

// New returns an Enforcer for the named administrative group.
func New(groupName string) *Enforcer {
	return &Enforcer{GroupName: groupName}
}

// Enforce walks dir and chowns every entry to the configured group, setting
// directory/file modes so group members can read and write pinned maps.
// A missing group is a configuration error and returned as-is; a dir that
// does not exist yet is not an error, since a program with no maps pins
// nothing.
func (e *Enforcer) Enforce(dir string) error {
	if e.GroupName == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	g, err := user.LookupGroup(e.GroupName)
	if err != nil {
		return fmt.Errorf("mapperm: lookup group %q: %w", e.GroupName, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("mapperm: group %q has non-numeric gid %q: %w", e.GroupName, g.Gid, err)
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Chown(path, -1, gid); err != nil {
			return fmt.Errorf("mapperm: chown %q: %w", path, err)
		}
		mode := fileMode
		if d.IsDir() {
			mode = dirMode
		}
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("mapperm: chmod %q: %w", path, err)
		}
		return nil
	})
}
