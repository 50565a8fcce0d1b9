// Package config reads uploader settings from an optional YAML file and
// QINIU_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-objectupload/s3compat"
	"github.com/bitrise-io/go-objectupload/uploader"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnvKey points to a YAML config file. Environment variables
// override its values.
const ConfigFileEnvKey = "QINIU_UPLOAD_CONFIG"

// Protocols ...
const (
	ProtocolQiniu = "qiniu"
	ProtocolS3    = "s3"
)

// ErrNotConfigured is returned when the credentials or the bucket are missing.
var ErrNotConfigured = errors.New("uploader is not configured: access key, secret key and bucket are required")

// Duration is a time.Duration written as "30s" or "30m" in YAML.
type Duration time.Duration

// UnmarshalYAML ...
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// ByteSize is a size written as "4MiB" or "4194304" in YAML.
type ByteSize int64

// UnmarshalYAML ...
func (s *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := units.RAMInBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = ByteSize(parsed)
	return nil
}

func (s ByteSize) String() string {
	return units.BytesSize(float64(s))
}

// Config ...
type Config struct {
	AccessKey string   `yaml:"access_key"`
	SecretKey string   `yaml:"secret_key"`
	Bucket    string   `yaml:"bucket"`
	UpURLs    []string `yaml:"up_urls"`
	UcURLs    []string `yaml:"uc_urls"`

	UpTries                 int      `yaml:"up_tries"`
	UcTries                 int      `yaml:"uc_tries"`
	UpTimeoutMultiple       int      `yaml:"up_timeout_multiple"`
	UcTimeoutMultiple       int      `yaml:"uc_timeout_multiple"`
	BaseTimeout             Duration `yaml:"base_timeout"`
	UpdateInterval          Duration `yaml:"update_interval"`
	PunishDuration          Duration `yaml:"punish_duration"`
	MaxPunishedTimes        int      `yaml:"max_punished_times"`
	MaxPunishedHostsPercent int      `yaml:"max_punished_hosts_percent"`
	PartSize                ByteSize `yaml:"part_size"`
	UseHTTPS                bool     `yaml:"use_https"`

	Protocol string `yaml:"protocol"`
	S3Region string `yaml:"s3_region"`
}

// Default returns the settings used for every key that is not configured.
func Default() Config {
	return Config{
		UpTries:                 uploader.DefaultTries,
		UcTries:                 uploader.DefaultTries,
		UpTimeoutMultiple:       uploader.DefaultUpTimeoutMultiple,
		UcTimeoutMultiple:       uploader.DefaultUcTimeoutMultiple,
		BaseTimeout:             Duration(uploader.DefaultBaseTimeout),
		UpdateInterval:          Duration(uploader.DefaultUpdateInterval),
		PunishDuration:          Duration(uploader.DefaultPunishDuration),
		MaxPunishedTimes:        uploader.DefaultMaxPunishedTimes,
		MaxPunishedHostsPercent: uploader.DefaultMaxPunishedHostsPercent,
		PartSize:                ByteSize(uploader.DefaultPartSize),
		Protocol:                ProtocolQiniu,
		S3Region:                s3compat.DefaultRegion,
	}
}

// Load reads the config file named by QINIU_UPLOAD_CONFIG, if any, then
// applies the QINIU_* environment variables on top of it.
func Load(envRepo env.Repository) (Config, error) {
	cfg := Default()

	if path := envRepo.Get(ConfigFileEnvKey); path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(envRepo, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ...
func (c Config) Validate() error {
	if c.AccessKey == "" || c.SecretKey == "" || c.Bucket == "" {
		return ErrNotConfigured
	}
	switch c.Protocol {
	case ProtocolQiniu, ProtocolS3:
	default:
		return fmt.Errorf("unknown protocol: %s", c.Protocol)
	}
	if c.Protocol == ProtocolS3 && len(c.UpURLs) == 0 {
		return errors.New("the s3 protocol needs up_urls, the bucket can't be discovered")
	}
	return nil
}

// NewBuilder creates an uploader builder from the settings.
func (c Config) NewBuilder(ctx context.Context, logger log.Logger) (*uploader.Builder, error) {
	builder := uploader.NewBuilder(c.AccessKey, c.SecretKey, c.Bucket).
		UpURLs(c.UpURLs).
		UcURLs(c.UcURLs).
		UpTries(c.UpTries).
		UcTries(c.UcTries).
		UpTimeoutMultiple(c.UpTimeoutMultiple).
		UcTimeoutMultiple(c.UcTimeoutMultiple).
		BaseTimeout(time.Duration(c.BaseTimeout)).
		UpdateInterval(time.Duration(c.UpdateInterval)).
		PunishDuration(time.Duration(c.PunishDuration)).
		MaxPunishedTimes(c.MaxPunishedTimes).
		MaxPunishedHostsPercent(c.MaxPunishedHostsPercent).
		PartSize(int64(c.PartSize)).
		UseHTTPS(c.UseHTTPS).
		Logger(logger)

	if c.Protocol == ProtocolS3 {
		client, err := s3compat.NewClient(ctx, s3compat.Params{
			Region:          c.S3Region,
			AccessKeyID:     c.AccessKey,
			SecretAccessKey: c.SecretKey,
		}, logger)
		if err != nil {
			return nil, err
		}
		builder.Caller(client)
	}
	return builder, nil
}

func readFile(path string, cfg *Config) error {
	file, err := fileutil.NewFileManager().Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(envRepo env.Repository, cfg *Config) error {
	setString(envRepo, "QINIU_ACCESS_KEY", &cfg.AccessKey)
	setString(envRepo, "QINIU_SECRET_KEY", &cfg.SecretKey)
	setString(envRepo, "QINIU_BUCKET", &cfg.Bucket)
	setString(envRepo, "QINIU_PROTOCOL", &cfg.Protocol)
	setString(envRepo, "QINIU_S3_REGION", &cfg.S3Region)
	setList(envRepo, "QINIU_UP_URLS", &cfg.UpURLs)
	setList(envRepo, "QINIU_UC_URLS", &cfg.UcURLs)

	ints := map[string]*int{
		"QINIU_UP_TRIES":                   &cfg.UpTries,
		"QINIU_UC_TRIES":                   &cfg.UcTries,
		"QINIU_UP_TIMEOUT_MULTIPLE":        &cfg.UpTimeoutMultiple,
		"QINIU_UC_TIMEOUT_MULTIPLE":        &cfg.UcTimeoutMultiple,
		"QINIU_MAX_PUNISHED_TIMES":         &cfg.MaxPunishedTimes,
		"QINIU_MAX_PUNISHED_HOSTS_PERCENT": &cfg.MaxPunishedHostsPercent,
	}
	for key, target := range ints {
		if err := setInt(envRepo, key, target); err != nil {
			return err
		}
	}

	durations := map[string]*Duration{
		"QINIU_BASE_TIMEOUT":    &cfg.BaseTimeout,
		"QINIU_UPDATE_INTERVAL": &cfg.UpdateInterval,
		"QINIU_PUNISH_DURATION": &cfg.PunishDuration,
	}
	for key, target := range durations {
		if err := setDuration(envRepo, key, target); err != nil {
			return err
		}
	}

	if value := envRepo.Get("QINIU_PART_SIZE"); value != "" {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return fmt.Errorf("QINIU_PART_SIZE: %w", err)
		}
		cfg.PartSize = ByteSize(size)
	}
	if value := envRepo.Get("QINIU_USE_HTTPS"); value != "" {
		useHTTPS, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("QINIU_USE_HTTPS: %w", err)
		}
		cfg.UseHTTPS = useHTTPS
	}
	return nil
}

func setString(envRepo env.Repository, key string, target *string) {
	if value := envRepo.Get(key); value != "" {
		*target = value
	}
}

func setList(envRepo env.Repository, key string, target *[]string) {
	value := envRepo.Get(key)
	if value == "" {
		return
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	*target = list
}

func setInt(envRepo env.Repository, key string, target *int) error {
	value := envRepo.Get(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = parsed
	return nil
}

func setDuration(envRepo env.Repository, key string, target *Duration) error {
	value := envRepo.Get(key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = Duration(parsed)
	return nil
}
