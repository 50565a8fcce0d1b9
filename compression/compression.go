// Package compression produces zstd compressed upload streams: a single
// compressed file or a tar archive of files and folders.
package compression

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
)

// DefaultLevel ...
const DefaultLevel = zstd.SpeedDefault

// ParseLevel accepts the zstd level names: fastest, default, better, best.
// An empty name is the default level.
func ParseLevel(name string) (zstd.EncoderLevel, error) {
	if name == "" {
		return DefaultLevel, nil
	}
	ok, level := zstd.EncoderLevelFromString(name)
	if !ok {
		return 0, fmt.Errorf("unknown compression level: %s", name)
	}
	return level, nil
}

// NewZstdReader compresses src while it is read. Closing the returned reader
// before the end stops the compression.
func NewZstdReader(src io.Reader, level zstd.EncoderLevel) io.ReadCloser {
	return pipe(func(w io.Writer) error {
		zstdWriter, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if _, err := io.Copy(zstdWriter, src); err != nil {
			_ = zstdWriter.Close()
			return fmt.Errorf("compress: %w", err)
		}
		if err := zstdWriter.Close(); err != nil {
			return fmt.Errorf("close zstd writer: %w", err)
		}
		return nil
	})
}

// NewArchiveReader streams a tar.zst archive of the provided files and
// folders. Entries are stored under their cleaned paths as given.
func NewArchiveReader(includePaths []string, level zstd.EncoderLevel, logger log.Logger) io.ReadCloser {
	return pipe(func(w io.Writer) error {
		zstdWriter, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		tw := tar.NewWriter(zstdWriter)

		for _, p := range includePaths {
			if err := addToArchive(tw, filepath.Clean(p), logger); err != nil {
				_ = zstdWriter.Close()
				return err
			}
		}

		// produce tar
		if err := tw.Close(); err != nil {
			return fmt.Errorf("close tar writer: %w", err)
		}
		// produce zstd
		if err := zstdWriter.Close(); err != nil {
			return fmt.Errorf("close zstd writer: %w", err)
		}
		return nil
	})
}

func addToArchive(tw *tar.Writer, root string, logger log.Logger) error {
	// walk through every file in the folder
	err := filepath.Walk(root, func(file string, fi os.FileInfo, e error) error {
		if e != nil {
			return e
		}
		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			var err error
			if link, err = os.Readlink(file); err != nil {
				return fmt.Errorf("read symlink: %w", err)
			}
		}

		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return fmt.Errorf("create file info header: %w", err)
		}
		header.Name = filepath.ToSlash(filepath.Clean(file))
		if fi.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar file header: %w", err)
		}
		logger.Debugf("Archived %s", header.Name)

		// nothing more to do for non-regular files or directories
		if !fi.Mode().IsRegular() {
			return nil
		}

		data, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		if _, err := io.Copy(tw, data); err != nil {
			_ = data.Close()
			return fmt.Errorf("copy %s: %w", file, err)
		}
		if err := data.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate on files: %w", err)
	}
	return nil
}

func pipe(produce func(w io.Writer) error) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(produce(pw))
	}()
	return pr
}

// ExpandPaths resolves "~", environment variables and doublestar patterns
// (such as `build/**/*.apk`) into existing absolute paths. Patterns without a
// match and paths that don't exist are skipped with a warning.
func ExpandPaths(paths []string, logger log.Logger) ([]string, error) {
	pathModifier := pathutil.NewPathModifier()
	pathChecker := pathutil.NewPathChecker()

	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			logger.Warnf("No match for path pattern: %s", path)
			continue
		}
		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := pathModifier.AbsPath(path)
		if err != nil {
			logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}
		exists, err := pathChecker.IsPathExists(absPath)
		if err != nil {
			logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			logger.Warnf("Path doesn't exist: %s", path)
			continue
		}
		finalPaths = append(finalPaths, absPath)
	}
	return finalPaths, nil
}

// AreAllPathsEmpty checks if the provided paths are all nonexistent files or empty directories
func AreAllPathsEmpty(includePaths []string) bool {
	for _, path := range includePaths {
		fileInfo, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil || !fileInfo.IsDir() {
			return false
		}

		entries, err := os.ReadDir(path)
		if err == nil && len(entries) > 0 {
			return false
		}
	}
	return true
}
