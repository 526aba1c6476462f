// Package fs holds some utilities for manipulating the file system
package fs

import (
	"errors"
	"fmt"
	"os"
	"os/user"
)

const (
	defaultDirectoryPermission = 0740
	defaultFilePermission      = 0600
)

// HomeFolder returns the home folder of the current user
func HomeFolder() string {
	u, err := user.Current()
	if err != nil {
		panic(err)
	}
	return u.HomeDir
}

// CreateSecureFolder creates the folder if it doesn't exist. An existing
// folder is accepted only if nobody but its owner can write to it.
func CreateSecureFolder(folder string) (string, error) {
	exists, err := Exists(folder)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := os.MkdirAll(folder, defaultDirectoryPermission); err != nil {
			return "", fmt.Errorf("creating folder %s: %w", folder, err)
		}
		return folder, nil
	}

	info, err := os.Lstat(folder)
	if err != nil {
		return "", fmt.Errorf("checking folder %s: %w", folder, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a folder", folder)
	}
	if perm := info.Mode().Perm(); perm&0022 != 0 {
		return "", fmt.Errorf("folder %s is writable by others: %#o", folder, perm)
	}
	return folder, nil
}

// Exists returns whether the given file or directory exists.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return true, err
}

// CreateExclusive creates a new file readable and writable by the user only.
// It fails with an error satisfying errors.Is(err, os.ErrExist) if the file is
// already there.
func CreateExclusive(file string) (*os.File, error) {
	return os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_EXCL, defaultFilePermission)
}

// WriteSecureFile writes data to file with wr permission for user only.
func WriteSecureFile(file string, data []byte) error {
	return os.WriteFile(file, data, defaultFilePermission)
}
