package testing

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// FileChecker allows chaining multiple checks on a file path.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker creates a FileChecker for the given path.
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path}
}

// Check runs all checks and joins the errors they report.
func (fc *FileChecker) Check() error {
	var errs []error
	for _, check := range fc.Checks {
		if err := check(fc.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsFile adds a check that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
	return fc
}

// NotExists adds a check that nothing exists at the path.
func (fc *FileChecker) NotExists() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		if _, err := os.Lstat(path); err == nil {
			return fmt.Errorf("expected %s to not exist", path)
		}
		return nil
	})
	return fc
}

// ModeEquals adds a check that the path has the specified permission bits.
func (fc *FileChecker) ModeEquals(perm os.FileMode) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if got := info.Mode().Perm(); got != perm.Perm() {
			return fmt.Errorf("mode mismatch for %s: want %o got %o", path, perm.Perm(), got)
		}
		return nil
	})
	return fc
}

// Content adds a check that the file at the path has exactly the given content.
func (fc *FileChecker) Content(want []byte) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if string(got) != string(want) {
			return fmt.Errorf("file %s content mismatch: want %d bytes got %d bytes", path, len(want), len(got))
		}
		return nil
	})
	return fc
}

// Contains adds a check that the file at the path contains substr.
func (fc *FileChecker) Contains(substr string) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !strings.Contains(string(b), substr) {
			return fmt.Errorf("file %s does not contain %q:\n%s", path, substr, b)
		}
		return nil
	})
	return fc
}

func getInfo(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}
