// Package s3compat runs the upload protocol against S3 compatible endpoints.
// Every upload host is an S3 endpoint serving the bucket in path style.
package s3compat

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-objectupload/apis"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultRegion is used when Params.Region is empty.
const DefaultRegion = "us-east-1"

const customVarPrefix = "var-"

// Params ...
type Params struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Client implements apis.Caller with the S3 API. Upload tokens are ignored;
// requests are signed with the access key pair instead.
type Client struct {
	cfg     aws.Config
	logger  log.Logger
	clients sync.Map
}

// NewClient ...
func NewClient(ctx context.Context, params Params, logger log.Logger) (*Client, error) {
	region := params.Region
	if region == "" {
		region = DefaultRegion
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		logger.Debugf("S3 credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

func (c *Client) client(host string) *s3.Client {
	if client, ok := c.clients.Load(host); ok {
		return client.(*s3.Client)
	}
	client := s3.NewFromConfig(c.cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(strings.TrimSuffix(host, "/"))
		o.UsePathStyle = true
		// host selection owns the retries
		o.RetryMaxAttempts = 1
	})
	actual, _ := c.clients.LoadOrStore(host, client)
	return actual.(*s3.Client)
}

// FormUpload stores the whole object with a single PutObject.
func (c *Client) FormUpload(ctx context.Context, host string, r apis.FormUploadRequest) (apis.Response, error) {
	if r.ObjectName == "" {
		return apis.Response{}, apis.NewRequestError(errors.New("s3 uploads need an object name"))
	}
	body, err := seekable(r.Body())
	if err != nil {
		return apis.Response{}, apis.NewRequestError(err)
	}

	out, err := c.client(host).PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(r.Bucket),
		Key:                aws.String(r.ObjectName),
		Body:               body,
		ContentLength:      aws.Int64(r.Size),
		ContentType:        contentType(r.MimeType),
		ContentDisposition: contentDisposition(r.FileName),
		Metadata:           objectMetadata(r.Metadata, r.CustomVars),
	})
	if err != nil {
		return apis.Response{}, mapError(err)
	}

	reqID, _ := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata)
	return objectResponse(r.ObjectName, aws.ToString(out.ETag), reqID), nil
}

// InitParts ...
func (c *Client) InitParts(ctx context.Context, host string, r apis.InitPartsRequest) (apis.InitPartsResponse, error) {
	if r.ObjectName == "" {
		return apis.InitPartsResponse{}, apis.NewRequestError(errors.New("s3 uploads need an object name"))
	}

	out, err := c.client(host).CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(r.Bucket),
		Key:         aws.String(r.ObjectName),
		ContentType: contentType(r.MimeType),
		Metadata:    objectMetadata(r.Metadata, nil),
	})
	if err != nil {
		return apis.InitPartsResponse{}, mapError(err)
	}
	if aws.ToString(out.UploadId) == "" {
		return apis.InitPartsResponse{}, apis.NewDecodeError(errors.New("empty upload id"))
	}

	resp := apis.InitPartsResponse{UploadID: aws.ToString(out.UploadId)}
	if out.AbortDate != nil {
		resp.ExpireAt = out.AbortDate.Unix()
	}
	return resp, nil
}

// UploadPart ...
func (c *Client) UploadPart(ctx context.Context, host string, r apis.UploadPartRequest) (apis.UploadPartResponse, error) {
	body, err := seekable(r.Body())
	if err != nil {
		return apis.UploadPartResponse{}, apis.NewRequestError(err)
	}

	out, err := c.client(host).UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(r.Bucket),
		Key:           aws.String(r.ObjectName),
		UploadId:      aws.String(r.UploadID),
		PartNumber:    aws.Int32(int32(r.PartNumber)),
		ContentLength: aws.Int64(r.Size),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(r.MD5[:])),
		Body:          body,
	})
	if err != nil {
		return apis.UploadPartResponse{}, mapError(err)
	}
	if aws.ToString(out.ETag) == "" {
		return apis.UploadPartResponse{}, apis.NewDecodeError(errors.New("empty etag"))
	}
	return apis.UploadPartResponse{ETag: aws.ToString(out.ETag)}, nil
}

// CompleteParts ...
func (c *Client) CompleteParts(ctx context.Context, host string, r apis.CompletePartsRequest) (apis.Response, error) {
	parts := make([]types.CompletedPart, 0, len(r.Parts))
	for _, part := range r.Parts {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		})
	}

	out, err := c.client(host).CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(r.Bucket),
		Key:             aws.String(r.ObjectName),
		UploadId:        aws.String(r.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return apis.Response{}, mapError(err)
	}

	reqID, _ := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata)
	return objectResponse(r.ObjectName, aws.ToString(out.ETag), reqID), nil
}

func objectResponse(key, etag, reqID string) apis.Response {
	body := map[string]interface{}{
		"key":  key,
		"hash": strings.Trim(etag, `"`),
	}
	raw := fmt.Sprintf(`{"key":%q,"hash":%q}`, key, body["hash"])
	return apis.Response{Body: body, Raw: []byte(raw), ReqID: reqID}
}

// mapError turns SDK errors into the error kinds host selection understands.
func mapError(err error) error {
	var deserializationErr *smithy.DeserializationError
	if errors.As(err, &deserializationErr) {
		return apis.NewDecodeError(err)
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() > 0 {
		callErr := apis.NewStatusCodeError(statusErr.HTTPStatusCode(), err.Error())
		callErr.Err = err
		var reqIDErr interface{ ServiceRequestID() string }
		if errors.As(err, &reqIDErr) {
			callErr.ReqID = reqIDErr.ServiceRequestID()
		}
		return callErr
	}
	return apis.NewTransportError(err)
}

// seekable lets the SDK compute the payload hash without an extra copy when
// the body already supports seeking.
func seekable(r io.Reader) (io.ReadSeeker, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("buffer body: %w", err)
	}
	return bytes.NewReader(data), nil
}

func contentType(mimeType string) *string {
	if mimeType == "" {
		return nil
	}
	return aws.String(mimeType)
}

func contentDisposition(fileName string) *string {
	if fileName == "" {
		return nil
	}
	return aws.String(fmt.Sprintf("attachment; filename=%q", fileName))
}

func objectMetadata(metadata, customVars map[string]string) map[string]string {
	if len(metadata) == 0 && len(customVars) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata)+len(customVars))
	for k, v := range metadata {
		out[k] = v
	}
	for k, v := range customVars {
		out[customVarPrefix+k] = v
	}
	return out
}
