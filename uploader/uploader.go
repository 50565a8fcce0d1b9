// Package uploader uploads objects to a bucket over a set of interchangeable
// upload hosts. Small objects go out in one form upload, larger ones as a
// sequence of parts.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-objectupload/apis"
	"github.com/bitrise-io/go-objectupload/credential"
	"github.com/bitrise-io/go-objectupload/domaincache"
	"github.com/bitrise-io/go-objectupload/hostselector"
	"github.com/bitrise-io/go-objectupload/metrics"
	"github.com/bitrise-io/go-objectupload/source"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	pathForm      = "form"
	pathMultipart = "multipart"
)

// Uploader ...
type Uploader struct {
	bucket        string
	credentials   credential.Provider
	tokenLifetime time.Duration
	partSize      int64
	upTries       int

	caller     apis.Caller
	upSelector *hostselector.Selector
	ucSelector *hostselector.Selector
	resolver   *domaincache.Resolver

	logger  log.Logger
	metrics *metrics.Metrics
}

// UploadFile uploads an open file. Regular files are uploaded in parts read
// at their offsets; pipes and devices are read front to back.
func (u *Uploader) UploadFile(file *os.File) *RequestBuilder {
	rb := u.newRequest(filepath.Base(file.Name()))
	rb.open = func() (*source.Source, func(), error) {
		src, err := source.NewFileSource(file)
		return src, func() {}, err
	}
	return rb
}

// UploadPath opens the file at path when the upload starts and closes it
// once the upload finishes.
func (u *Uploader) UploadPath(path string) *RequestBuilder {
	rb := u.newRequest(filepath.Base(path))
	rb.open = func() (*source.Source, func(), error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		closeFile := func() {
			if err := file.Close(); err != nil {
				u.logger.Warnf("Failed to close %s: %s", path, err)
			}
		}
		src, err := source.NewFileSource(file)
		if err != nil {
			closeFile()
			return nil, nil, err
		}
		return src, closeFile, nil
	}
	return rb
}

// UploadData ...
func (u *Uploader) UploadData(data []byte) *RequestBuilder {
	rb := u.newRequest("")
	rb.open = func() (*source.Source, func(), error) {
		return source.NewDataSource(data), func() {}, nil
	}
	return rb
}

// UploadReader uploads a stream of unknown size.
func (u *Uploader) UploadReader(r io.Reader) *RequestBuilder {
	rb := u.newRequest("")
	rb.open = func() (*source.Source, func(), error) {
		return source.NewStreamSource(r), func() {}, nil
	}
	return rb
}

// UploadHosts returns the current upload host list.
func (u *Uploader) UploadHosts() []string {
	return u.upSelector.Hosts()
}

// Close stops background host refreshes and waits for pending cache writes.
func (u *Uploader) Close() {
	if u.upSelector != nil {
		u.upSelector.Close()
	}
	if u.ucSelector != nil {
		u.ucSelector.Close()
	}
	if u.resolver != nil {
		u.resolver.Wait()
	}
}

func (u *Uploader) newRequest(defaultFileName string) *RequestBuilder {
	return &RequestBuilder{
		uploader: u,
		fileName: defaultFileName,
	}
}

func (u *Uploader) token(objectName string) (string, error) {
	return credential.NewTokenProvider(u.bucket, objectName, u.tokenLifetime, u.credentials).Token()
}

// ProgressInfo is reported after every uploaded part.
type ProgressInfo struct {
	UploadID   string
	Uploaded   uint64
	PartNumber int
}

// ProgressCallback is called synchronously between parts. A returned error
// aborts the upload.
type ProgressCallback func(info ProgressInfo) error

// RequestBuilder describes one upload.
type RequestBuilder struct {
	uploader *Uploader
	open     func() (*source.Source, func(), error)

	objectName string
	fileName   string
	mimeType   string
	metadata   map[string]string
	customVars map[string]string
	onProgress ProgressCallback
}

// ObjectName sets the key of the object. When empty the service picks one.
func (rb *RequestBuilder) ObjectName(name string) *RequestBuilder {
	rb.objectName = name
	return rb
}

// FileName ...
func (rb *RequestBuilder) FileName(name string) *RequestBuilder {
	rb.fileName = name
	return rb
}

// MimeType ...
func (rb *RequestBuilder) MimeType(mimeType string) *RequestBuilder {
	rb.mimeType = mimeType
	return rb
}

// Metadata replaces the object metadata.
func (rb *RequestBuilder) Metadata(metadata map[string]string) *RequestBuilder {
	rb.metadata = metadata
	return rb
}

// AddMetadata ...
func (rb *RequestBuilder) AddMetadata(key, value string) *RequestBuilder {
	if rb.metadata == nil {
		rb.metadata = map[string]string{}
	}
	rb.metadata[key] = value
	return rb
}

// CustomVars replaces the custom variables.
func (rb *RequestBuilder) CustomVars(vars map[string]string) *RequestBuilder {
	rb.customVars = vars
	return rb
}

// AddCustomVar ...
func (rb *RequestBuilder) AddCustomVar(key, value string) *RequestBuilder {
	if rb.customVars == nil {
		rb.customVars = map[string]string{}
	}
	rb.customVars[key] = value
	return rb
}

// ProgressCallback ...
func (rb *RequestBuilder) ProgressCallback(callback ProgressCallback) *RequestBuilder {
	rb.onProgress = callback
	return rb
}

// Start runs the upload and blocks until it finishes.
func (rb *RequestBuilder) Start(ctx context.Context) (*Result, error) {
	u := rb.uploader
	src, closeSource, err := rb.open()
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer closeSource()

	form, parts, err := rb.choosePath(src)
	if err != nil {
		return nil, err
	}

	path := pathMultipart
	if form != nil {
		path = pathForm
	}
	u.logger.TDebugf("Uploading %s to %s as %s upload", src, u.bucket, path)

	started := time.Now()
	var result *Result
	if form != nil {
		result, err = rb.formUpload(ctx, form)
	} else {
		result, err = rb.newSession(parts).run(ctx)
	}
	elapsed := time.Since(started)
	u.metrics.ObserveUpload(path, err == nil, elapsed.Seconds())

	if err != nil {
		u.logger.Warnf("Upload of %s failed after %s: %s", src, elapsed.Round(time.Millisecond), err)
		return nil, err
	}
	u.logger.Donef("Uploaded %s as %q in %s", src, result.Key(), elapsed.Round(time.Millisecond))
	return result, nil
}

// choosePath returns either a single-shot body or the partitioner of a
// multi-part upload. A stream is read for one part and then checked for one
// more byte to find out whether it fits a single shot.
func (rb *RequestBuilder) choosePath(src *source.Source) (*source.FormSource, *source.Partitioner, error) {
	partSize := rb.uploader.partSize

	if size, ok := src.Size(); ok {
		if size <= partSize {
			form, err := src.FormSource()
			return form, nil, err
		}
		return nil, src.Partition(partSize), nil
	}

	stream := src.Reader()
	peek, err := io.ReadAll(io.LimitReader(stream, partSize))
	if err != nil {
		return nil, nil, fmt.Errorf("read stream: %w", err)
	}
	var next [1]byte
	n, err := io.ReadFull(stream, next[:])
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("read stream: %w", err)
	}
	if n == 0 {
		return source.NewFormSource(peek), nil, nil
	}
	rest := source.NewStreamSource(io.MultiReader(bytes.NewReader(peek), bytes.NewReader(next[:n]), stream))
	return nil, rest.Partition(partSize), nil
}

func (rb *RequestBuilder) formUpload(ctx context.Context, form *source.FormSource) (*Result, error) {
	u := rb.uploader
	size, crc, err := form.Checksum()
	if err != nil {
		return nil, err
	}
	token, err := u.token(rb.objectName)
	if err != nil {
		return nil, err
	}

	req := apis.FormUploadRequest{
		Token:      token,
		Bucket:     u.bucket,
		ObjectName: rb.objectName,
		FileName:   rb.fileName,
		MimeType:   rb.mimeType,
		CRC32:      crc,
		Size:       size,
		Body:       form.Reader,
		Metadata:   rb.metadata,
		CustomVars: rb.customVars,
	}
	resp, err := hostselector.Do(ctx, u.upSelector, u.upTries, func(ctx context.Context, info hostselector.HostInfo) (apis.Response, error) {
		return u.caller.FormUpload(ctx, info.Host, req)
	})
	if err != nil {
		return nil, fmt.Errorf("form upload: %w", err)
	}
	u.metrics.AddUploadedBytes(size)
	return newResult(resp), nil
}
