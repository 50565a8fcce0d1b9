package uploader

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/bitrise-io/go-objectupload/apis"
	"github.com/bitrise-io/go-objectupload/hostselector"
	"github.com/bitrise-io/go-objectupload/source"
)

// ErrCallbackAborted wraps the error a progress callback stopped an upload with.
var ErrCallbackAborted = errors.New("upload aborted by progress callback")

type sessionState int

const (
	stateInit sessionState = iota
	stateUploadingParts
	stateCompleting
	stateDone
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateUploadingParts:
		return "uploading parts"
	case stateCompleting:
		return "completing"
	case stateDone:
		return "done"
	default:
		return "failed"
	}
}

// session is a single multi-part upload. Parts are uploaded one after the
// other; a failed session is not cleaned up on the server.
type session struct {
	request *RequestBuilder
	parts   *source.Partitioner

	state     sessionState
	token     string
	uploadID  string
	uploaded  uint64
	completed []apis.CompletedPart
}

func (rb *RequestBuilder) newSession(parts *source.Partitioner) *session {
	return &session{request: rb, parts: parts, state: stateInit}
}

func (s *session) run(ctx context.Context) (*Result, error) {
	result, err := s.advance(ctx)
	if err != nil {
		s.transition(stateFailed)
		return nil, err
	}
	return result, nil
}

func (s *session) advance(ctx context.Context) (*Result, error) {
	u := s.request.uploader
	token, err := u.token(s.request.objectName)
	if err != nil {
		return nil, err
	}
	s.token = token

	if err := s.init(ctx); err != nil {
		return nil, err
	}

	s.transition(stateUploadingParts)
	for {
		part, err := s.parts.Next()
		if err != nil {
			return nil, err
		}
		if part == nil {
			break
		}
		if err := s.uploadPart(ctx, part); err != nil {
			return nil, err
		}
	}

	s.transition(stateCompleting)
	result, err := s.complete(ctx)
	if err != nil {
		return nil, err
	}
	s.transition(stateDone)
	return result, nil
}

func (s *session) init(ctx context.Context) error {
	u := s.request.uploader
	req := apis.InitPartsRequest{
		Token:      s.token,
		Bucket:     u.bucket,
		ObjectName: s.request.objectName,
		MimeType:   s.request.mimeType,
		Metadata:   s.request.metadata,
	}
	resp, err := hostselector.Do(ctx, u.upSelector, u.upTries, func(ctx context.Context, info hostselector.HostInfo) (apis.InitPartsResponse, error) {
		return u.caller.InitParts(ctx, info.Host, req)
	})
	if err != nil {
		return fmt.Errorf("init multi-part upload: %w", err)
	}
	s.uploadID = resp.UploadID
	u.logger.Debugf("Multi-part upload %s started", s.uploadID)
	return nil
}

func (s *session) uploadPart(ctx context.Context, part *source.PartReader) error {
	u := s.request.uploader
	sum, err := part.MD5()
	if err != nil {
		return err
	}

	req := apis.UploadPartRequest{
		Token:      s.token,
		Bucket:     u.bucket,
		ObjectName: s.request.objectName,
		UploadID:   s.uploadID,
		PartNumber: part.Number(),
		Size:       part.Size(),
		MD5:        sum,
		Body:       part.Reader,
	}
	resp, err := hostselector.Do(ctx, u.upSelector, u.upTries, func(ctx context.Context, info hostselector.HostInfo) (apis.UploadPartResponse, error) {
		return u.caller.UploadPart(ctx, info.Host, req)
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", part.Number(), err)
	}

	s.uploaded = saturatingAdd(s.uploaded, uint64(part.Size()))
	s.completed = append(s.completed, apis.CompletedPart{ETag: resp.ETag, PartNumber: part.Number()})
	u.metrics.AddUploadedPart(part.Size())

	if s.request.onProgress == nil {
		return nil
	}
	info := ProgressInfo{UploadID: s.uploadID, Uploaded: s.uploaded, PartNumber: part.Number()}
	if err := s.request.onProgress(info); err != nil {
		return fmt.Errorf("%w: %w", ErrCallbackAborted, err)
	}
	return nil
}

func (s *session) complete(ctx context.Context) (*Result, error) {
	u := s.request.uploader
	req := apis.CompletePartsRequest{
		Token:      s.token,
		Bucket:     u.bucket,
		ObjectName: s.request.objectName,
		UploadID:   s.uploadID,
		Parts:      s.completed,
		FileName:   s.request.fileName,
		MimeType:   s.request.mimeType,
		Metadata:   s.request.metadata,
		CustomVars: s.request.customVars,
	}
	resp, err := hostselector.Do(ctx, u.upSelector, u.upTries, func(ctx context.Context, info hostselector.HostInfo) (apis.Response, error) {
		return u.caller.CompleteParts(ctx, info.Host, req)
	})
	if err != nil {
		return nil, fmt.Errorf("complete multi-part upload %s: %w", s.uploadID, err)
	}
	return newResult(resp), nil
}

func (s *session) transition(next sessionState) {
	s.request.uploader.logger.Debugf("Multi-part upload %s: %s -> %s", s.uploadID, s.state, next)
	s.state = next
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
