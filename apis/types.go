package apis

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
)

// BodyFunc returns a fresh reader over a request payload. It is called once
// per attempt so a retried request starts from the first byte again.
type BodyFunc func() io.Reader

// Caller executes the upload protocol against a single, already selected host.
type Caller interface {
	FormUpload(ctx context.Context, host string, req FormUploadRequest) (Response, error)
	InitParts(ctx context.Context, host string, req InitPartsRequest) (InitPartsResponse, error)
	UploadPart(ctx context.Context, host string, req UploadPartRequest) (UploadPartResponse, error)
	CompleteParts(ctx context.Context, host string, req CompletePartsRequest) (Response, error)
}

// Querier asks a discovery host which upload domains serve a bucket.
type Querier interface {
	Query(ctx context.Context, host, accessKey, bucket string) (QueryResponse, error)
}

// FormUploadRequest uploads a whole object in one call.
// An empty ObjectName lets the service pick the key.
type FormUploadRequest struct {
	Token      string
	Bucket     string
	ObjectName string
	FileName   string
	MimeType   string
	CRC32      uint32
	Size       int64
	Body       BodyFunc
	Metadata   map[string]string
	CustomVars map[string]string
}

// InitPartsRequest opens a multi-part session.
type InitPartsRequest struct {
	Token      string
	Bucket     string
	ObjectName string
	MimeType   string
	Metadata   map[string]string
}

// InitPartsResponse ...
type InitPartsResponse struct {
	UploadID string `json:"uploadId"`
	ExpireAt int64  `json:"expireAt"`
}

// UploadPartRequest ...
type UploadPartRequest struct {
	Token      string
	Bucket     string
	ObjectName string
	UploadID   string
	PartNumber int
	Size       int64
	MD5        [md5.Size]byte
	Body       BodyFunc
}

// UploadPartResponse ...
type UploadPartResponse struct {
	ETag string `json:"etag"`
	MD5  string `json:"md5"`
}

// CompletedPart is one entry of the manifest sent when completing a session.
type CompletedPart struct {
	ETag       string `json:"etag"`
	PartNumber int    `json:"partNumber"`
}

// CompletePartsRequest ...
type CompletePartsRequest struct {
	Token      string
	Bucket     string
	ObjectName string
	UploadID   string
	Parts      []CompletedPart
	FileName   string
	MimeType   string
	Metadata   map[string]string
	CustomVars map[string]string
}

// Response is a decoded JSON response body.
type Response struct {
	Body  map[string]interface{}
	Raw   []byte
	ReqID string
}

// QueryResponse ...
type QueryResponse struct {
	Hosts []QueryRegion `json:"hosts"`
}

// QueryRegion ...
type QueryRegion struct {
	Region string       `json:"region"`
	TTL    int64        `json:"ttl"`
	Up     QueryDomains `json:"up"`
}

// QueryDomains ...
type QueryDomains struct {
	Domains []string `json:"domains"`
}

// Validate rejects responses that would resolve to no upload host at all.
func (r QueryResponse) Validate() error {
	if len(r.Hosts) == 0 {
		return fmt.Errorf("%w: no region", ErrInvalidQueryResponse)
	}
	for _, region := range r.Hosts {
		if len(region.Up.Domains) == 0 {
			return fmt.Errorf("%w: region %q has no upload domain", ErrInvalidQueryResponse, region.Region)
		}
	}
	return nil
}
