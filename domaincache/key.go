package domaincache

import (
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-objectupload/apis"
)

// Key identifies the upload domains of one bucket as seen by one access key.
// It is persisted as "accessKey:bucket".
type Key struct {
	AccessKey string
	Bucket    string
}

func (k Key) String() string {
	return k.AccessKey + ":" + k.Bucket
}

// MarshalText ...
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText splits on the first colon; the bucket may contain more.
func (k *Key) UnmarshalText(text []byte) error {
	accessKey, bucket, ok := strings.Cut(string(text), ":")
	if !ok {
		return fmt.Errorf("invalid cache key %q: missing ':'", text)
	}
	k.AccessKey = accessKey
	k.Bucket = bucket
	return nil
}

// Entry is a cached discovery response. It is never modified after creation.
type Entry struct {
	Response apis.QueryResponse `json:"response"`
	Deadline time.Time          `json:"deadline"`
}

// newEntry expires the response after the shortest TTL of its regions.
func newEntry(response apis.QueryResponse, now time.Time) (Entry, error) {
	if err := response.Validate(); err != nil {
		return Entry{}, apis.NewDecodeError(err)
	}
	minTTL := response.Hosts[0].TTL
	for _, region := range response.Hosts[1:] {
		if region.TTL < minTTL {
			minTTL = region.TTL
		}
	}
	return Entry{
		Response: response,
		Deadline: now.Add(time.Duration(minTTL) * time.Second),
	}, nil
}

// Expired ...
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.Deadline)
}

// Domains returns the upload domains of the first region.
func (e Entry) Domains() []string {
	if len(e.Response.Hosts) == 0 {
		return nil
	}
	return e.Response.Hosts[0].Up.Domains
}

func normalizeDomains(domains []string, useHTTPS bool) []string {
	scheme := "http://"
	if useHTTPS {
		scheme = "https://"
	}
	urls := make([]string, len(domains))
	for i, domain := range domains {
		if strings.Contains(domain, "://") {
			urls[i] = domain
		} else {
			urls[i] = scheme + domain
		}
	}
	return urls
}
