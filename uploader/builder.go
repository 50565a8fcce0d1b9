package uploader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-objectupload/apis"
	"github.com/bitrise-io/go-objectupload/credential"
	"github.com/bitrise-io/go-objectupload/domaincache"
	"github.com/bitrise-io/go-objectupload/hostselector"
	"github.com/bitrise-io/go-objectupload/metrics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Defaults of a Builder.
const (
	DefaultTries                   = 10
	DefaultUpTimeoutMultiple       = 1000
	DefaultUcTimeoutMultiple       = 100
	DefaultPartSize                = 4 * 1024 * 1024
	DefaultUpdateInterval          = 60 * time.Second
	DefaultPunishDuration          = 30 * time.Minute
	DefaultBaseTimeout             = 30 * time.Second
	DefaultMaxPunishedTimes        = 5
	DefaultMaxPunishedHostsPercent = 50
)

// ErrNoUploadHosts is returned by Build when neither upload URLs nor
// discovery URLs are configured.
var ErrNoUploadHosts = errors.New("no upload hosts: configure upload URLs or discovery URLs")

// Builder configures an Uploader.
type Builder struct {
	accessKey string
	secretKey string
	bucket    string

	upURLs                  []string
	ucURLs                  []string
	upTries                 int
	ucTries                 int
	upTimeoutMultiple       int
	ucTimeoutMultiple       int
	useHTTPS                bool
	updateInterval          time.Duration
	punishDuration          time.Duration
	baseTimeout             time.Duration
	partSize                int64
	maxPunishedTimes        int
	maxPunishedHostsPercent int
	tokenLifetime           time.Duration

	logger  log.Logger
	caller  apis.Caller
	querier apis.Querier
	store   *domaincache.Store
	metrics *metrics.Metrics
	clock   func() time.Time
}

// NewBuilder ...
func NewBuilder(accessKey, secretKey, bucket string) *Builder {
	return &Builder{
		accessKey:               accessKey,
		secretKey:               secretKey,
		bucket:                  bucket,
		upTries:                 DefaultTries,
		ucTries:                 DefaultTries,
		upTimeoutMultiple:       DefaultUpTimeoutMultiple,
		ucTimeoutMultiple:       DefaultUcTimeoutMultiple,
		updateInterval:          DefaultUpdateInterval,
		punishDuration:          DefaultPunishDuration,
		baseTimeout:             DefaultBaseTimeout,
		partSize:                DefaultPartSize,
		maxPunishedTimes:        DefaultMaxPunishedTimes,
		maxPunishedHostsPercent: DefaultMaxPunishedHostsPercent,
		tokenLifetime:           credential.DefaultTokenLifetime,
		logger:                  log.NewLogger(),
		clock:                   time.Now,
	}
}

// UpURLs sets static upload hosts.
func (b *Builder) UpURLs(urls []string) *Builder {
	b.upURLs = urls
	return b
}

// UcURLs sets the discovery hosts the upload hosts are resolved from.
func (b *Builder) UcURLs(urls []string) *Builder {
	b.ucURLs = urls
	return b
}

// UpTries ...
func (b *Builder) UpTries(tries int) *Builder {
	b.upTries = tries
	return b
}

// UcTries ...
func (b *Builder) UcTries(tries int) *Builder {
	b.ucTries = tries
	return b
}

// UpTimeoutMultiple scales the base timeout of upload hosts, in percent.
func (b *Builder) UpTimeoutMultiple(percent int) *Builder {
	b.upTimeoutMultiple = percent
	return b
}

// UcTimeoutMultiple scales the base timeout of discovery hosts, in percent.
func (b *Builder) UcTimeoutMultiple(percent int) *Builder {
	b.ucTimeoutMultiple = percent
	return b
}

// UseHTTPS ...
func (b *Builder) UseHTTPS(useHTTPS bool) *Builder {
	b.useHTTPS = useHTTPS
	return b
}

// UpdateInterval ...
func (b *Builder) UpdateInterval(interval time.Duration) *Builder {
	b.updateInterval = interval
	return b
}

// PunishDuration ...
func (b *Builder) PunishDuration(duration time.Duration) *Builder {
	b.punishDuration = duration
	return b
}

// BaseTimeout ...
func (b *Builder) BaseTimeout(timeout time.Duration) *Builder {
	b.baseTimeout = timeout
	return b
}

// PartSize ...
func (b *Builder) PartSize(size int64) *Builder {
	b.partSize = size
	return b
}

// MaxPunishedTimes caps the punishment count recorded per upload host. It
// does not affect which host is selected.
func (b *Builder) MaxPunishedTimes(times int) *Builder {
	b.maxPunishedTimes = times
	return b
}

// MaxPunishedHostsPercent ...
func (b *Builder) MaxPunishedHostsPercent(percent int) *Builder {
	b.maxPunishedHostsPercent = percent
	return b
}

// TokenLifetime ...
func (b *Builder) TokenLifetime(lifetime time.Duration) *Builder {
	b.tokenLifetime = lifetime
	return b
}

// Logger ...
func (b *Builder) Logger(logger log.Logger) *Builder {
	b.logger = logger
	return b
}

// Caller replaces the HTTP client of the upload protocol.
func (b *Builder) Caller(caller apis.Caller) *Builder {
	b.caller = caller
	return b
}

// Querier replaces the HTTP client of the discovery service.
func (b *Builder) Querier(querier apis.Querier) *Builder {
	b.querier = querier
	return b
}

// CacheStore shares a domain cache between uploaders. By default the cache
// lives at domaincache.DefaultStorePath.
func (b *Builder) CacheStore(store *domaincache.Store) *Builder {
	b.store = store
	return b
}

// Metrics ...
func (b *Builder) Metrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

// Clock replaces time.Now in host selection and cache expiry.
func (b *Builder) Clock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build creates the uploader. When only discovery URLs are configured the
// first list of upload hosts is resolved before Build returns.
func (b *Builder) Build(ctx context.Context) (*Uploader, error) {
	credentials := credential.NewStaticProvider(b.accessKey, b.secretKey)
	if _, err := credentials.Get(); err != nil {
		return nil, err
	}
	if b.bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if b.partSize <= 0 {
		return nil, fmt.Errorf("invalid part size: %d", b.partSize)
	}
	if len(b.upURLs) == 0 && len(b.ucURLs) == 0 {
		return nil, ErrNoUploadHosts
	}

	caller := b.caller
	if caller == nil {
		caller = apis.NewDefaultClient(b.logger)
	}
	querier := b.querier
	if querier == nil {
		if q, ok := caller.(apis.Querier); ok {
			querier = q
		} else {
			querier = apis.NewDefaultClient(b.logger)
		}
	}

	u := &Uploader{
		bucket:        b.bucket,
		credentials:   credentials,
		tokenLifetime: b.tokenLifetime,
		partSize:      b.partSize,
		upTries:       b.upTries,
		caller:        caller,
		logger:        b.logger,
		metrics:       b.metrics,
	}

	upBuilder := b.selectorBuilder(b.upURLs, "up", b.upTimeoutMultiple).Policy(UploadPolicy)
	if len(b.ucURLs) > 0 {
		ucSelector, err := b.selectorBuilder(b.ucURLs, "uc", b.ucTimeoutMultiple).
			Policy(domaincache.DiscoveryPolicy).
			UpdateInterval(0).
			Build(ctx)
		if err != nil {
			return nil, err
		}
		store := b.store
		if store == nil {
			store = domaincache.NewStore(domaincache.DefaultStorePath(), b.logger).WithMetrics(b.metrics)
		}
		u.ucSelector = ucSelector
		u.resolver = domaincache.NewResolver(domaincache.ResolverParams{
			Store:    store,
			Querier:  querier,
			Selector: ucSelector,
			Tries:    b.ucTries,
			Logger:   b.logger,
			Metrics:  b.metrics,
			Clock:    b.clock,
		})
		upBuilder.Supplier(u.resolver.SupplierFor(b.accessKey, b.bucket, b.useHTTPS))
	}

	upSelector, err := upBuilder.Build(ctx)
	if err != nil {
		u.Close()
		return nil, fmt.Errorf("%w: %w", ErrNoUploadHosts, err)
	}
	u.upSelector = upSelector

	return u, nil
}

func (b *Builder) selectorBuilder(urls []string, name string, timeoutMultiple int) *hostselector.Builder {
	return hostselector.NewBuilder(urls).
		Name(name).
		UpdateInterval(b.updateInterval).
		PunishDuration(b.punishDuration).
		BaseTimeout(b.baseTimeout * time.Duration(timeoutMultiple) / 100).
		MaxPunishedTimes(b.maxPunishedTimes).
		MaxPunishedHostsPercent(b.maxPunishedHostsPercent).
		Logger(b.logger).
		Metrics(b.metrics).
		Clock(b.clock)
}
