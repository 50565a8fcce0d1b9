package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-objectupload/compression"
	"github.com/bitrise-io/go-objectupload/uploader"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
)

type uploadOptions struct {
	*globalOptions

	key        string
	keyPrefix  string
	fileName   string
	mimeType   string
	metadata   map[string]string
	customVars map[string]string
	glob       bool
	stdin      bool
	zstd       bool
	archive    bool
	level      string
}

func newUploadCmd(global *globalOptions) *cobra.Command {
	opts := &uploadOptions{globalOptions: global}

	cmd := &cobra.Command{
		Use:   "upload [paths...]",
		Short: "Upload files, folders or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}

	cmd.Flags().StringVar(&opts.key, "key", "", "Object key; only valid for a single upload. Empty lets the service pick one")
	cmd.Flags().StringVar(&opts.keyPrefix, "key-prefix", "", "Prefix of the keys when uploading several files, followed by the file name")
	cmd.Flags().StringVar(&opts.fileName, "fname", "", "File name stored with the object")
	cmd.Flags().StringVar(&opts.mimeType, "mime", "", "MIME type of the object")
	cmd.Flags().StringToStringVar(&opts.metadata, "meta", nil, "Object metadata, key=value")
	cmd.Flags().StringToStringVar(&opts.customVars, "var", nil, "Custom variables, key=value")
	cmd.Flags().BoolVar(&opts.glob, "glob", false, "Expand the paths as doublestar patterns, e.g. 'out/**/*.apk'")
	cmd.Flags().BoolVar(&opts.stdin, "stdin", false, "Upload stdin as a stream of unknown size")
	cmd.Flags().BoolVar(&opts.zstd, "zstd", false, "Compress every object with zstd while uploading")
	cmd.Flags().BoolVar(&opts.archive, "archive", false, "Upload all paths as a single tar.zst archive")
	cmd.Flags().StringVar(&opts.level, "level", "", "zstd level: fastest, default, better or best")
	return cmd
}

func (o *uploadOptions) run(ctx context.Context, out io.Writer, args []string) error {
	if o.stdin && len(args) > 0 {
		return errors.New("--stdin does not take paths")
	}
	if !o.stdin && len(args) == 0 {
		return errors.New("nothing to upload: pass paths or --stdin")
	}
	level, err := compression.ParseLevel(o.level)
	if err != nil {
		return err
	}

	paths := args
	if o.glob {
		if paths, err = compression.ExpandPaths(args, o.logger); err != nil {
			return err
		}
		if len(paths) == 0 {
			return errors.New("no path matched the patterns")
		}
	}
	if o.key != "" && !o.stdin && !o.archive && len(paths) > 1 {
		return fmt.Errorf("--key names a single object but %d paths were given, use --key-prefix", len(paths))
	}

	u, err := o.buildUploader(ctx)
	if err != nil {
		return err
	}
	defer u.Close()

	switch {
	case o.stdin:
		var r io.Reader = o.globalOptions.stdin
		if o.zstd {
			compressed := compression.NewZstdReader(r, level)
			defer compressed.Close() //nolint:errcheck
			r = compressed
		}
		return o.upload(ctx, out, u.UploadReader(r), o.key)
	case o.archive:
		if compression.AreAllPathsEmpty(paths) {
			return errors.New("all paths are empty or missing, nothing to archive")
		}
		archive := compression.NewArchiveReader(paths, level, o.logger)
		defer archive.Close() //nolint:errcheck
		return o.upload(ctx, out, u.UploadReader(archive), o.key)
	}

	for _, path := range paths {
		key := o.key
		if key == "" && o.keyPrefix != "" {
			key = o.keyPrefix + filepath.Base(path)
		}

		if o.zstd {
			err = o.uploadCompressed(ctx, out, u, path, key, level)
		} else {
			err = o.upload(ctx, out, u.UploadPath(path), key)
		}
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
	}
	return nil
}

// uploadCompressed streams a zstd compressed copy of the file at path.
func (o *uploadOptions) uploadCompressed(ctx context.Context, out io.Writer, u *uploader.Uploader, path, key string, level zstd.EncoderLevel) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck

	compressed := compression.NewZstdReader(file, level)
	defer compressed.Close() //nolint:errcheck

	if key != "" {
		key += ".zst"
	}
	return o.upload(ctx, out, u.UploadReader(compressed).FileName(filepath.Base(path)+".zst"), key)
}

func (o *uploadOptions) upload(ctx context.Context, out io.Writer, rb *uploader.RequestBuilder, key string) error {
	rb.ObjectName(key).
		MimeType(o.mimeType).
		Metadata(o.metadata).
		CustomVars(o.customVars).
		ProgressCallback(func(info uploader.ProgressInfo) error {
			o.logger.Printf("Part %d uploaded, %s so far", info.PartNumber, units.HumanSize(float64(info.Uploaded)))
			return nil
		})
	if o.fileName != "" {
		rb.FileName(o.fileName)
	}

	result, err := rb.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%s\n", result.Key(), result.Hash())
	return nil
}
