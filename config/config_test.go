package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-objectupload/uploader"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCredentials(t *testing.T) {
	t.Setenv("QINIU_ACCESS_KEY", "ak")
	t.Setenv("QINIU_SECRET_KEY", "sk")
	t.Setenv("QINIU_BUCKET", "bucket")
}

func TestLoad_Defaults(t *testing.T) {
	setCredentials(t)
	t.Setenv(ConfigFileEnvKey, "")

	cfg, err := Load(env.NewRepository())

	require.NoError(t, err)
	assert.Equal(t, uploader.DefaultTries, cfg.UpTries)
	assert.Equal(t, 1000, cfg.UpTimeoutMultiple)
	assert.Equal(t, 100, cfg.UcTimeoutMultiple)
	assert.Equal(t, Duration(30*time.Second), cfg.BaseTimeout)
	assert.Equal(t, Duration(30*time.Minute), cfg.PunishDuration)
	assert.Equal(t, ByteSize(4*1024*1024), cfg.PartSize)
	assert.Equal(t, ProtocolQiniu, cfg.Protocol)
}

func TestLoad_NotConfigured(t *testing.T) {
	t.Setenv("QINIU_ACCESS_KEY", "")
	t.Setenv("QINIU_SECRET_KEY", "sk")
	t.Setenv("QINIU_BUCKET", "bucket")
	t.Setenv(ConfigFileEnvKey, "")

	_, err := Load(env.NewRepository())

	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestLoad_FileWithEnvOverrides(t *testing.T) {
	// Given
	path := filepath.Join(t.TempDir(), "upload.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
access_key: file-ak
secret_key: file-sk
bucket: file-bucket
up_urls:
  - https://up-a.example.com
uc_urls: [https://uc.example.com]
up_tries: 3
base_timeout: 5s
part_size: 8MiB
use_https: true
`), 0600))
	t.Setenv(ConfigFileEnvKey, path)
	t.Setenv("QINIU_ACCESS_KEY", "")
	t.Setenv("QINIU_SECRET_KEY", "")
	t.Setenv("QINIU_BUCKET", "env-bucket")
	t.Setenv("QINIU_UP_URLS", "https://up-b.example.com, https://up-c.example.com")
	t.Setenv("QINIU_PUNISH_DURATION", "1m")
	t.Setenv("QINIU_PART_SIZE", "")

	// When
	cfg, err := Load(env.NewRepository())

	// Then
	require.NoError(t, err)
	assert.Equal(t, "file-ak", cfg.AccessKey)
	assert.Equal(t, "env-bucket", cfg.Bucket)
	assert.Equal(t, []string{"https://up-b.example.com", "https://up-c.example.com"}, cfg.UpURLs)
	assert.Equal(t, []string{"https://uc.example.com"}, cfg.UcURLs)
	assert.Equal(t, 3, cfg.UpTries)
	assert.Equal(t, Duration(5*time.Second), cfg.BaseTimeout)
	assert.Equal(t, Duration(time.Minute), cfg.PunishDuration)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.PartSize)
	assert.True(t, cfg.UseHTTPS)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{key: "QINIU_UP_TRIES", value: "many"},
		{key: "QINIU_BASE_TIMEOUT", value: "soon"},
		{key: "QINIU_PART_SIZE", value: "huge"},
		{key: "QINIU_USE_HTTPS", value: "maybe"},
		{key: "QINIU_PROTOCOL", value: "ftp"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			setCredentials(t)
			t.Setenv(ConfigFileEnvKey, "")
			t.Setenv(tt.key, tt.value)

			_, err := Load(env.NewRepository())

			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	setCredentials(t)
	t.Setenv(ConfigFileEnvKey, filepath.Join(t.TempDir(), "missing.yml"))

	_, err := Load(env.NewRepository())

	require.Error(t, err)
}

func TestConfig_NewBuilder(t *testing.T) {
	cfg := Default()
	cfg.AccessKey = "ak"
	cfg.SecretKey = "sk"
	cfg.Bucket = "bucket"
	cfg.UpURLs = []string{"http://up.example.com"}
	cfg.UpdateInterval = 0

	builder, err := cfg.NewBuilder(context.Background(), log.NewLogger())
	require.NoError(t, err)
	u, err := builder.Build(context.Background())
	require.NoError(t, err)
	defer u.Close()

	assert.Equal(t, []string{"http://up.example.com"}, u.UploadHosts())
}

func TestConfig_S3NeedsUpURLs(t *testing.T) {
	cfg := Default()
	cfg.AccessKey = "ak"
	cfg.SecretKey = "sk"
	cfg.Bucket = "bucket"
	cfg.Protocol = ProtocolS3
	cfg.UcURLs = []string{"http://uc.example.com"}

	require.Error(t, cfg.Validate())
}
