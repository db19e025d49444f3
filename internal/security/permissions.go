package security

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// PermLogFile is for log files that may contain build output.
	// rw-r----- (0640)
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the build history database.
	// rw-r----- (0640)
	PermDBFile os.FileMode = 0640

	// PermDirectory is for directories created for logs and history.
	// rwxr-x--- (0750)
	PermDirectory os.FileMode = 0750
)

// OpenSecureAppend opens path for appending, creating it and its parent
// directory if needed. A newly created file gets perm regardless of umask.
func OpenSecureAppend(path string, perm os.FileMode) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), PermDirectory); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	if created {
		if err := os.Chmod(path, perm); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to set file permissions: %w", err)
		}
	}

	return file, nil
}

// IsWorldReadable checks if a file is readable by others.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable checks if a file is writable by others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions validates that a file holding secrets is
// neither world-readable nor world-writable.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()

	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o), which is insecure for sensitive data", path, perm)
	}

	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o), which is a serious security risk", path, perm)
	}

	return nil
}
