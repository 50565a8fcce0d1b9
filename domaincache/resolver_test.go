package domaincache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-objectupload/apis"
	"github.com/bitrise-io/go-objectupload/hostselector"
	testhelpers "github.com/bitrise-io/go-objectupload/internal/testing"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeQuerier answers with a single region whose domain is set per call.
type fakeQuerier struct {
	calls   atomic.Int32
	domain  atomic.Value
	ttl     int64
	err     atomic.Value
	started chan struct{}
	release chan struct{}
}

func newFakeQuerier(domain string, ttl int64) *fakeQuerier {
	q := &fakeQuerier{ttl: ttl}
	q.domain.Store(domain)
	return q
}

func (q *fakeQuerier) Query(ctx context.Context, host, accessKey, bucket string) (apis.QueryResponse, error) {
	q.calls.Add(1)
	if q.started != nil {
		q.started <- struct{}{}
		<-q.release
	}
	if err := ctx.Err(); err != nil {
		return apis.QueryResponse{}, apis.NewTransportError(err)
	}
	if err, ok := q.err.Load().(error); ok && err != nil {
		return apis.QueryResponse{}, err
	}
	return apis.QueryResponse{Hosts: []apis.QueryRegion{
		{Region: "z0", TTL: q.ttl, Up: apis.QueryDomains{Domains: []string{q.domain.Load().(string)}}},
	}}, nil
}

func newTestResolver(t *testing.T, querier apis.Querier, ucURL string, clock func() time.Time, store *Store) *Resolver {
	selector, err := hostselector.NewBuilder([]string{ucURL}).
		UpdateInterval(0).
		Policy(DiscoveryPolicy).
		Build(context.Background())
	require.NoError(t, err)
	if store == nil {
		store = NewStore(filepath.Join(t.TempDir(), cacheFileName), log.NewLogger())
	}
	r := NewResolver(ResolverParams{
		Store:    store,
		Querier:  querier,
		Selector: selector,
		Tries:    3,
		Clock:    clock,
	})
	t.Cleanup(r.Wait)
	return r
}

func TestResolver_SingleFlight(t *testing.T) {
	querier := newFakeQuerier("up.example.com", 3600)
	querier.started = make(chan struct{}, 2)
	querier.release = make(chan struct{})
	r := newTestResolver(t, querier, "http://uc", time.Now, nil)

	var wg sync.WaitGroup
	results := make([][]string, 2)
	errs := make([]error, 2)
	resolve := func(i int) {
		defer wg.Done()
		results[i], errs[i] = r.Resolve(context.Background(), "AK0", "b1", false)
	}

	wg.Add(2)
	go resolve(0)
	<-querier.started
	go resolve(1)
	time.Sleep(50 * time.Millisecond)
	close(querier.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), querier.calls.Load())
	assert.Equal(t, []string{"http://up.example.com"}, results[0])
	assert.Equal(t, results[0], results[1])
}

func TestResolver_CancelledCallerDoesNotFailOthers(t *testing.T) {
	// Given
	querier := newFakeQuerier("up.example.com", 3600)
	querier.started = make(chan struct{}, 2)
	querier.release = make(chan struct{})
	r := newTestResolver(t, querier, "http://uc", time.Now, nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(leaderCtx, "AK0", "b1", false)
		leaderErr <- err
	}()
	<-querier.started

	followerDone := make(chan struct{})
	var followerHosts []string
	var followerErr error
	go func() {
		defer close(followerDone)
		followerHosts, followerErr = r.Resolve(context.Background(), "AK0", "b1", false)
	}()
	time.Sleep(50 * time.Millisecond)

	// When
	cancelLeader()
	err := <-leaderErr
	close(querier.release)
	<-followerDone

	// Then
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, followerErr)
	assert.Equal(t, []string{"http://up.example.com"}, followerHosts)
	assert.Equal(t, int32(1), querier.calls.Load())
}

func TestResolver_TTLTimeline(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	querier := newFakeQuerier("old.example.com", 10)
	r := newTestResolver(t, querier, "http://uc", clock.Now, nil)
	ctx := context.Background()

	// t=0: populates the cache
	got, err := r.Resolve(ctx, "AK0", "b1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://old.example.com"}, got)
	assert.Equal(t, int32(1), querier.calls.Load())

	// t=5s: served from the cache
	clock.Set(start.Add(5 * time.Second))
	got, err = r.Resolve(ctx, "AK0", "b1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://old.example.com"}, got)
	assert.Equal(t, int32(1), querier.calls.Load())

	// t=11s: stale value returned, one background refresh
	querier.domain.Store("new.example.com")
	clock.Set(start.Add(11 * time.Second))
	got, err = r.Resolve(ctx, "AK0", "b1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://old.example.com"}, got)
	r.Wait()
	assert.Equal(t, int32(2), querier.calls.Load())

	// after the refresh
	got, err = r.Resolve(ctx, "AK0", "b1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://new.example.com"}, got)
	assert.Equal(t, int32(2), querier.calls.Load())
}

func TestResolver_StaleRefreshRunsOnce(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	querier := newFakeQuerier("up.example.com", 10)
	r := newTestResolver(t, querier, "http://uc", clock.Now, nil)
	_, err := r.Resolve(context.Background(), "AK0", "b1", false)
	require.NoError(t, err)

	querier.started = make(chan struct{}, 1)
	querier.release = make(chan struct{})
	clock.Set(start.Add(time.Minute))
	for i := 0; i < 5; i++ {
		_, err := r.Resolve(context.Background(), "AK0", "b1", false)
		require.NoError(t, err)
	}
	<-querier.started
	close(querier.release)
	r.Wait()

	assert.Equal(t, int32(2), querier.calls.Load())
}

func TestResolver_FailedRefreshKeepsStaleEntry(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	querier := newFakeQuerier("up.example.com", 10)
	r := newTestResolver(t, querier, "http://uc", clock.Now, nil)
	_, err := r.Resolve(context.Background(), "AK0", "b1", true)
	require.NoError(t, err)

	querier.err.Store(apis.NewStatusCodeError(http.StatusServiceUnavailable, "down"))
	clock.Set(start.Add(time.Minute))
	got, err := r.Resolve(context.Background(), "AK0", "b1", true)
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, []string{"https://up.example.com"}, got)
	got, err = r.Resolve(context.Background(), "AK0", "b1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://up.example.com"}, got)
}

func TestResolver_PopulateFailure(t *testing.T) {
	querier := newFakeQuerier("", 10)
	querier.err.Store(apis.NewDecodeError(fmt.Errorf("%w: no region", apis.ErrInvalidQueryResponse)))
	r := newTestResolver(t, querier, "http://uc", time.Now, nil)

	_, err := r.Resolve(context.Background(), "AK0", "b1", false)

	require.ErrorIs(t, err, apis.ErrInvalidQueryResponse)
	assert.Equal(t, int32(1), querier.calls.Load(), "decode errors are not retried")
}

func TestResolver_LoadsPersistedCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), cacheFileName)
	store := NewStore(path, log.NewLogger())
	store.Set(Key{AccessKey: "AK0", Bucket: "b1"}, testEntry(time.Now().Add(time.Hour), "persisted.example.com"))
	_, err := store.Save()
	require.NoError(t, err)

	querier := newFakeQuerier("network.example.com", 10)
	r := newTestResolver(t, querier, "http://uc", time.Now, NewStore(path, log.NewLogger()))

	got, err := r.Resolve(context.Background(), "AK0", "b1", false)

	require.NoError(t, err)
	assert.Equal(t, []string{"http://persisted.example.com"}, got)
	assert.Equal(t, int32(0), querier.calls.Load())
}

func TestResolver_EndToEnd(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/v4/query" || r.URL.Query().Get("ak") != "AK0" || r.URL.Query().Get("bucket") != "b1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"hosts":[{"region":"z0","ttl":10,"up":{"domains":["upload.example.com"]}}]}`))
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), cacheFileName)
	r := newTestResolver(t, apis.NewDefaultClient(log.NewLogger()), server.URL, time.Now, NewStore(path, log.NewLogger()))

	first, err := r.Resolve(context.Background(), "AK0", "b1", false)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "AK0", "b1", false)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://upload.example.com"}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())

	r.Wait()
	require.NoError(t, testhelpers.NewFileChecker(path).IsFile().Contains(`"AK0:b1"`).Check())
}

func TestResolver_SupplierFor(t *testing.T) {
	querier := newFakeQuerier("up.example.com", 3600)
	r := newTestResolver(t, querier, "http://uc", time.Now, nil)

	selector, err := hostselector.NewBuilder(nil).
		Supplier(r.SupplierFor("AK0", "b1", true)).
		UpdateInterval(0).
		Build(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"https://up.example.com"}, selector.Hosts())
}

func TestDiscoveryPolicy(t *testing.T) {
	assert.True(t, DiscoveryPolicy.ShouldPunish(apis.NewTransportError(errors.New("refused"))))
	assert.True(t, DiscoveryPolicy.ShouldPunish(apis.NewStatusCodeError(502, "")))
	assert.False(t, DiscoveryPolicy.ShouldPunish(apis.NewDecodeError(errors.New("bad json"))))
}
