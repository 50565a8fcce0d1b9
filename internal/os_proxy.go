package internal

import (
	"os"
)

// OsProxy is the subset of the os package the cache persistence needs.
type OsProxy interface {
	MkdirAll(path string, perm os.FileMode) error
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }     //nolint:revive
func (RealOS) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) } //nolint:revive
func (RealOS) Remove(name string) error                     { return os.Remove(name) }             //nolint:revive
