// Package domaincache resolves the upload domains of a bucket through the
// discovery service and caches them with the TTL the service returns.
package domaincache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-objectupload/apis"
	"github.com/bitrise-io/go-objectupload/hostselector"
	"github.com/bitrise-io/go-objectupload/metrics"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/singleflight"
)

// DiscoveryPolicy punishes discovery hosts unless the failure is one no other
// host could fix.
var DiscoveryPolicy hostselector.PunishPolicy = hostselector.PunishPolicyFunc(apis.IsRetryable)

// ResolverParams ...
type ResolverParams struct {
	Store    *Store
	Querier  apis.Querier
	Selector *hostselector.Selector
	Tries    int
	Logger   log.Logger
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Resolver ...
type Resolver struct {
	store    *Store
	querier  apis.Querier
	selector *hostselector.Selector
	tries    int
	logger   log.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time

	group      singleflight.Group
	refreshing sync.Map
	wg         sync.WaitGroup
}

// NewResolver ...
func NewResolver(p ResolverParams) *Resolver {
	r := &Resolver{
		store:    p.Store,
		querier:  p.Querier,
		selector: p.Selector,
		tries:    p.Tries,
		logger:   p.Logger,
		metrics:  p.Metrics,
		clock:    p.Clock,
	}
	if r.logger == nil {
		r.logger = log.NewLogger()
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.store == nil {
		r.store = NewStore("", r.logger)
	}
	if r.tries < 1 {
		r.tries = 1
	}
	return r
}

// Resolve returns the upload URLs of bucket. A cached entry is returned
// without network access even when expired; an expired one is refreshed in
// the background.
func (r *Resolver) Resolve(ctx context.Context, accessKey, bucket string, useHTTPS bool) ([]string, error) {
	entry, err := r.lookup(ctx, Key{AccessKey: accessKey, Bucket: bucket})
	if err != nil {
		return nil, err
	}
	return normalizeDomains(entry.Domains(), useHTTPS), nil
}

// SupplierFor adapts Resolve to the host list refresh of an upload selector.
func (r *Resolver) SupplierFor(accessKey, bucket string, useHTTPS bool) hostselector.HostListSupplier {
	return hostselector.HostListSupplierFunc(func(ctx context.Context) ([]string, error) {
		return r.Resolve(ctx, accessKey, bucket, useHTTPS)
	})
}

// Wait blocks until background refreshes and saves finish.
func (r *Resolver) Wait() {
	r.wg.Wait()
	r.store.Wait()
}

func (r *Resolver) lookup(ctx context.Context, key Key) (Entry, error) {
	if entry, ok := r.store.Get(key); ok {
		if entry.Expired(r.clock()) {
			r.metrics.IncCacheLookups(metrics.LookupStale)
			r.refreshAsync(key)
		} else {
			r.metrics.IncCacheLookups(metrics.LookupHit)
		}
		return entry, nil
	}

	r.metrics.IncCacheLookups(metrics.LookupMiss)
	// The shared query outlives the caller that started it; every caller
	// stops waiting on its own context.
	queryCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key.String(), func() (interface{}, error) {
		if entry, ok := r.store.Get(key); ok {
			return entry, nil
		}
		entry, err := r.query(queryCtx, key)
		if err != nil {
			return nil, err
		}
		r.store.Set(key, entry)
		r.store.SaveAsync()
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, fmt.Errorf("query upload domains of %s: %w", key.Bucket, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, fmt.Errorf("query upload domains of %s: %w", key.Bucket, res.Err)
		}
		return res.Val.(Entry), nil
	}
}

func (r *Resolver) refreshAsync(key Key) {
	if _, inFlight := r.refreshing.LoadOrStore(key, struct{}{}); inFlight {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.refreshing.Delete(key)

		if entry, ok := r.store.Get(key); ok && !entry.Expired(r.clock()) {
			return
		}
		entry, err := r.query(context.Background(), key)
		if err != nil {
			r.logger.Warnf("Failed to refresh upload domains of %s, keeping the cached ones: %s", key.Bucket, err)
			return
		}
		r.store.Set(key, entry)
		r.store.SaveAsync()
		r.logger.Debugf("Refreshed upload domains of %s until %s", key.Bucket, entry.Deadline.Format(time.RFC3339))
	}()
}

func (r *Resolver) query(ctx context.Context, key Key) (Entry, error) {
	response, err := hostselector.Do(ctx, r.selector, r.tries, func(ctx context.Context, info hostselector.HostInfo) (apis.QueryResponse, error) {
		return r.querier.Query(ctx, info.Host, key.AccessKey, key.Bucket)
	})
	r.metrics.IncCacheRefreshes(err == nil)
	if err != nil {
		return Entry{}, err
	}
	return newEntry(response, r.clock())
}
