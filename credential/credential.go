// Package credential signs upload tokens with an access key / secret key pair.
package credential

import (
	"errors"

	"github.com/qiniu/go-sdk/v7/auth"
)

// ErrMissingCredential ...
var ErrMissingCredential = errors.New("access key and secret key are required")

// Credential ...
type Credential struct {
	AccessKey string
	SecretKey string
}

// Credentials returns the SDK form of the credential.
func (c Credential) Credentials() *auth.Credentials {
	return auth.New(c.AccessKey, c.SecretKey)
}

// Sign returns "accessKey:signature" where the signature is the URL safe
// base64 of HMAC-SHA1(secretKey, data).
func (c Credential) Sign(data []byte) string {
	return c.Credentials().Sign(data)
}

// SignWithData encodes data, signs the encoded form and returns
// "accessKey:signature:encodedData".
func (c Credential) SignWithData(data []byte) string {
	return c.Credentials().SignWithData(data)
}

// Provider supplies the credential used for signing.
type Provider interface {
	Get() (Credential, error)
}

// StaticProvider always returns the same credential.
type StaticProvider struct {
	credential Credential
}

// NewStaticProvider ...
func NewStaticProvider(accessKey, secretKey string) *StaticProvider {
	return &StaticProvider{credential: Credential{AccessKey: accessKey, SecretKey: secretKey}}
}

// Get ...
func (p *StaticProvider) Get() (Credential, error) {
	if p.credential.AccessKey == "" || p.credential.SecretKey == "" {
		return Credential{}, ErrMissingCredential
	}
	return p.credential, nil
}
