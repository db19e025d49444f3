package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var branchPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)

// ValidateBranchName checks that branch is a plain git branch name that can
// be used as a command argument and matched against refs/heads/<branch>.
func ValidateBranchName(branch string) error {
	switch {
	case branch == "":
		return errors.New("branch name cannot be empty")
	case strings.HasPrefix(branch, "-"):
		return errors.New("branch name cannot start with '-'")
	case strings.HasPrefix(branch, "refs/"):
		return errors.New("branch name must not include the refs/ prefix")
	case !branchPattern.MatchString(branch):
		return errors.New("branch name contains invalid characters")
	}

	for _, part := range strings.Split(branch, "/") {
		if part == "" || strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return fmt.Errorf("branch name has an invalid component %q", part)
		}
	}
	if strings.Contains(branch, "..") || strings.HasSuffix(branch, ".") {
		return errors.New("branch name is not a valid git ref")
	}
	return nil
}

// ValidateWorkDir checks the directory builds run in and returns it cleaned.
// It must be absolute, must not be the filesystem root and must not contain
// ".." elements.
func ValidateWorkDir(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("work directory must be absolute: %s", path)
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return "", fmt.Errorf("work directory contains traversal elements: %s", path)
		}
	}

	cleaned := filepath.Clean(path)
	if cleaned == string(filepath.Separator) {
		return "", errors.New("work directory cannot be the filesystem root")
	}
	return cleaned, nil
}
