// Package config resolves the default root data directory holding the
// task registry, hash cache, and logs (spec.md §6, "Persisted state").
package config

import (
	"errors"
	"os"
	"path/filepath"
)

const (
	UserConfigDirectoryNotFoundErrorMessage = "user config directory not found"
	DataDirectoryName                       = "autosync"
)

// UserConfigDirectory is a seam over os.UserConfigDir for testability,
// mirroring the teacher's own function-variable pattern.
var UserConfigDirectory = os.UserConfigDir

// DataDir returns the default directory under which a Supervisor
// persists tasks.json, .db/file_cache.db, and logs/ when the caller
// does not supply an explicit --root.
func DataDir() (string, error) {
	userConfigDir, err := UserConfigDirectory()
	if err != nil {
		return "", errors.New(UserConfigDirectoryNotFoundErrorMessage)
	}
	return filepath.Join(userConfigDir, DataDirectoryName), nil
}
