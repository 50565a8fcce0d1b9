package apis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	reqIDHeader     = "X-Reqid"
	metadataPrefix  = "x-qn-meta-"
	customVarPrefix = "x:"
	emptyObjectName = "~"
)

// Client talks the upload service's HTTP protocol. Each method performs
// exactly one exchange with the given host; retrying against other hosts is
// the caller's job.
type Client struct {
	httpClient *retryablehttp.Client
	logger     log.Logger
}

// NewClient ...
func NewClient(httpClient *retryablehttp.Client, logger log.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// NewDefaultClient creates a Client whose transport never retries on its own.
func NewDefaultClient(logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryMax = 0
	httpClient.CheckRetry = createNoRetryFunction(logger)
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return NewClient(httpClient, logger)
}

func createNoRetryFunction(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, callErr error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if callErr != nil {
			logger.Debugf("Call failed: %s", callErr)
		}
		return false, nil
	}
}

// Query ...
func (c *Client) Query(ctx context.Context, host, accessKey, bucket string) (QueryResponse, error) {
	query := url.Values{}
	query.Set("ak", accessKey)
	query.Set("bucket", bucket)
	apiURL := fmt.Sprintf("%s/v4/query?%s", host, query.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return QueryResponse{}, NewRequestError(err)
	}

	var response QueryResponse
	if _, _, err := c.do(req, &response); err != nil {
		return QueryResponse{}, err
	}
	if err := response.Validate(); err != nil {
		return QueryResponse{}, NewDecodeError(err)
	}
	return response, nil
}

// FormUpload ...
func (c *Client) FormUpload(ctx context.Context, host string, r FormUploadRequest) (Response, error) {
	boundary := multipart.NewWriter(io.Discard).Boundary()
	body := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(writeForm(pw, boundary, r))
		}()
		return pr, nil
	})

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, host+"/", body)
	if err != nil {
		return Response{}, NewRequestError(err)
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)

	var response Response
	reqID, raw, err := c.do(req, &response.Body)
	if err != nil {
		return Response{}, err
	}
	response.ReqID = reqID
	response.Raw = raw
	return response, nil
}

func writeForm(w io.Writer, boundary string, r FormUploadRequest) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return err
	}

	fields := [][2]string{{"token", r.Token}, {"crc32", strconv.FormatUint(uint64(r.CRC32), 10)}}
	if r.ObjectName != "" {
		fields = append(fields, [2]string{"key", r.ObjectName})
	}
	for k, v := range r.Metadata {
		fields = append(fields, [2]string{metadataPrefix + k, v})
	}
	for k, v := range r.CustomVars {
		fields = append(fields, [2]string{customVarPrefix + k, v})
	}
	for _, field := range fields {
		if err := mw.WriteField(field[0], field[1]); err != nil {
			return fmt.Errorf("write field %s: %w", field[0], err)
		}
	}

	fileName := r.FileName
	if fileName == "" {
		fileName = "untitled"
	}
	part, err := mw.CreatePart(fileHeader(fileName, r.MimeType))
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, r.Body()); err != nil {
		return fmt.Errorf("copy file part: %w", err)
	}
	return mw.Close()
}

func fileHeader(fileName, mimeType string) map[string][]string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName)},
		"Content-Type":        {mimeType},
	}
}

// InitParts ...
func (c *Client) InitParts(ctx context.Context, host string, r InitPartsRequest) (InitPartsResponse, error) {
	apiURL := fmt.Sprintf("%s/uploads", objectURL(host, r.Bucket, r.ObjectName))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, nil)
	if err != nil {
		return InitPartsResponse{}, NewRequestError(err)
	}
	setUpToken(req, r.Token)

	var response InitPartsResponse
	if _, _, err := c.do(req, &response); err != nil {
		return InitPartsResponse{}, err
	}
	if response.UploadID == "" {
		return InitPartsResponse{}, NewDecodeError(fmt.Errorf("empty upload id"))
	}
	return response, nil
}

// UploadPart ...
func (c *Client) UploadPart(ctx context.Context, host string, r UploadPartRequest) (UploadPartResponse, error) {
	apiURL := fmt.Sprintf("%s/uploads/%s/%d", objectURL(host, r.Bucket, r.ObjectName), url.PathEscape(r.UploadID), r.PartNumber)
	body := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		return r.Body(), nil
	})

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, apiURL, body)
	if err != nil {
		return UploadPartResponse{}, NewRequestError(err)
	}
	setUpToken(req, r.Token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-MD5", hex.EncodeToString(r.MD5[:]))
	// retryablehttp can't tell the length of a ReaderFunc body
	req.Header.Set("Content-Length", strconv.FormatInt(r.Size, 10))
	req.ContentLength = r.Size

	var response UploadPartResponse
	if _, _, err := c.do(req, &response); err != nil {
		return UploadPartResponse{}, err
	}
	if response.ETag == "" {
		return UploadPartResponse{}, NewDecodeError(fmt.Errorf("empty etag for part %d", r.PartNumber))
	}
	return response, nil
}

type completePartsRequestBody struct {
	Parts      []CompletedPart   `json:"parts"`
	FileName   string            `json:"fname,omitempty"`
	MimeType   string            `json:"mimeType,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CustomVars map[string]string `json:"customVars,omitempty"`
}

// CompleteParts ...
func (c *Client) CompleteParts(ctx context.Context, host string, r CompletePartsRequest) (Response, error) {
	apiURL := fmt.Sprintf("%s/uploads/%s", objectURL(host, r.Bucket, r.ObjectName), url.PathEscape(r.UploadID))

	body, err := json.Marshal(completePartsRequestBody{
		Parts:      r.Parts,
		FileName:   r.FileName,
		MimeType:   r.MimeType,
		Metadata:   prefixKeys(r.Metadata, metadataPrefix),
		CustomVars: prefixKeys(r.CustomVars, customVarPrefix),
	})
	if err != nil {
		return Response{}, NewRequestError(err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return Response{}, NewRequestError(err)
	}
	setUpToken(req, r.Token)
	req.Header.Set("Content-Type", "application/json")

	var response Response
	reqID, raw, err := c.do(req, &response.Body)
	if err != nil {
		return Response{}, err
	}
	response.ReqID = reqID
	response.Raw = raw
	return response, nil
}

// do sends req and decodes a 200 response into v. It returns the request id
// assigned by the service and the body bytes as received. Numbers decoded
// into interface values are kept as json.Number.
func (c *Client) do(req *retryablehttp.Request, v interface{}) (string, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			if cerr := resp.Body.Close(); cerr != nil {
				c.logger.Printf("%s", cerr)
			}
		}
		return "", nil, NewTransportError(err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf("%s", err)
		}
	}(resp.Body)

	reqID := resp.Header.Get(reqIDHeader)
	c.logger.Debugf("%s %s: %d (reqid %s)", req.Method, req.URL.Redacted(), resp.StatusCode, reqID)

	if resp.StatusCode != http.StatusOK {
		return reqID, nil, unwrapError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return reqID, nil, NewTransportError(err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return reqID, nil, NewDecodeError(fmt.Errorf("decode response of %s: %w", req.URL.Path, err))
	}
	return reqID, raw, nil
}

func objectURL(host, bucket, objectName string) string {
	encoded := emptyObjectName
	if objectName != "" {
		encoded = base64.URLEncoding.EncodeToString([]byte(objectName))
	}
	return fmt.Sprintf("%s/buckets/%s/objects/%s", host, url.PathEscape(bucket), encoded)
}

func setUpToken(req *retryablehttp.Request, token string) {
	req.Header.Set("Authorization", "UpToken "+token)
}

func prefixKeys(m map[string]string, prefix string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	prefixed := make(map[string]string, len(m))
	for k, v := range m {
		prefixed[prefix+k] = v
	}
	return prefixed
}
