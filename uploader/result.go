package uploader

import "github.com/bitrise-io/go-objectupload/apis"

// Result is the response of the call that finished an upload.
type Result struct {
	body  map[string]interface{}
	raw   []byte
	reqID string
}

func newResult(resp apis.Response) *Result {
	return &Result{body: resp.Body, raw: resp.Raw, reqID: resp.ReqID}
}

// ResponseBody returns the decoded JSON body.
func (r *Result) ResponseBody() map[string]interface{} {
	return r.body
}

// Raw returns the JSON body as received from the upload host. Over the S3
// protocol it is built from the response fields.
func (r *Result) Raw() []byte {
	return r.raw
}

// Key is the name the object was stored under.
func (r *Result) Key() string {
	key, _ := r.body["key"].(string)
	return key
}

// Hash ...
func (r *Result) Hash() string {
	hash, _ := r.body["hash"].(string)
	return hash
}

// ReqID ...
func (r *Result) ReqID() string {
	return r.reqID
}
