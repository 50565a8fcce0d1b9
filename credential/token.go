package credential

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qiniu/go-sdk/v7/storage"
)

// DefaultTokenLifetime ...
const DefaultTokenLifetime = 600 * time.Second

// ErrTokenParse is wrapped by every error that comes from an unusable token.
var ErrTokenParse = errors.New("invalid upload token")

// UploadPolicy is the signed part of an upload token.
type UploadPolicy struct {
	Scope    string `json:"scope"`
	Deadline int64  `json:"deadline"`
}

// Bucket ...
func (p UploadPolicy) Bucket() string {
	bucket, _, _ := strings.Cut(p.Scope, ":")
	return bucket
}

// ObjectName returns the object the policy is limited to, if any.
func (p UploadPolicy) ObjectName() (string, bool) {
	_, key, ok := strings.Cut(p.Scope, ":")
	return key, ok
}

// UploadTokenProvider produces upload tokens.
type UploadTokenProvider interface {
	AccessKey() (string, error)
	Policy() (UploadPolicy, error)
	Token() (string, error)
}

type signingTokenProvider struct {
	scope    string
	lifetime time.Duration
	provider Provider
}

// NewBucketTokenProvider issues tokens that allow uploads of any object into bucket.
func NewBucketTokenProvider(bucket string, lifetime time.Duration, provider Provider) UploadTokenProvider {
	return &signingTokenProvider{scope: bucket, lifetime: lifetime, provider: provider}
}

// NewObjectTokenProvider issues tokens limited to a single object.
func NewObjectTokenProvider(bucket, objectName string, lifetime time.Duration, provider Provider) UploadTokenProvider {
	return &signingTokenProvider{scope: bucket + ":" + objectName, lifetime: lifetime, provider: provider}
}

// NewTokenProvider scopes the token to objectName, or to the whole bucket
// when objectName is empty.
func NewTokenProvider(bucket, objectName string, lifetime time.Duration, provider Provider) UploadTokenProvider {
	if objectName == "" {
		return NewBucketTokenProvider(bucket, lifetime, provider)
	}
	return NewObjectTokenProvider(bucket, objectName, lifetime, provider)
}

func (p *signingTokenProvider) AccessKey() (string, error) {
	credential, err := p.provider.Get()
	if err != nil {
		return "", err
	}
	return credential.AccessKey, nil
}

func (p *signingTokenProvider) Policy() (UploadPolicy, error) {
	return UploadPolicy{
		Scope:    p.scope,
		Deadline: time.Now().Add(p.lifetime).Unix(),
	}, nil
}

// Token signs a fresh put policy. The deadline is the signing time plus the
// lifetime, rounded up to whole seconds.
func (p *signingTokenProvider) Token() (string, error) {
	credential, err := p.provider.Get()
	if err != nil {
		return "", err
	}
	lifetime := uint64((p.lifetime + time.Second - 1) / time.Second)
	if lifetime == 0 {
		return "", fmt.Errorf("token lifetime must be positive: %s", p.lifetime)
	}
	policy := storage.PutPolicy{Scope: p.scope, Expires: lifetime}
	return policy.UploadToken(credential.Credentials()), nil
}

// StaticTokenProvider serves a token signed elsewhere.
type StaticTokenProvider struct {
	token     string
	accessKey string
	policy    UploadPolicy
}

// NewStaticTokenProvider parses token up front so a malformed one is
// rejected before any upload starts.
func NewStaticTokenProvider(token string) (*StaticTokenProvider, error) {
	accessKey, policy, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	return &StaticTokenProvider{token: token, accessKey: accessKey, policy: policy}, nil
}

// AccessKey ...
func (p *StaticTokenProvider) AccessKey() (string, error) {
	return p.accessKey, nil
}

// Policy ...
func (p *StaticTokenProvider) Policy() (UploadPolicy, error) {
	return p.policy, nil
}

// Token ...
func (p *StaticTokenProvider) Token() (string, error) {
	return p.token, nil
}

// ParseToken splits an "accessKey:signature:policy" token. The signature is
// not verified.
func ParseToken(token string) (string, UploadPolicy, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] == "" {
		return "", UploadPolicy{}, fmt.Errorf("%w: expected 3 colon separated fields", ErrTokenParse)
	}
	data, err := base64.URLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", UploadPolicy{}, fmt.Errorf("%w: decode policy: %s", ErrTokenParse, err)
	}
	var policy UploadPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return "", UploadPolicy{}, fmt.Errorf("%w: unmarshal policy: %s", ErrTokenParse, err)
	}
	if policy.Scope == "" {
		return "", UploadPolicy{}, fmt.Errorf("%w: empty scope", ErrTokenParse)
	}
	return parts[0], policy, nil
}
