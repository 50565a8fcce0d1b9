// Package hostselector picks one of several interchangeable hosts per attempt,
// keeping an adaptive timeout and a punishment record for each of them.
package hostselector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-objectupload/metrics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// MaxTimeoutPower caps the exponent of the adaptive timeout.
const MaxTimeoutPower = 6

const (
	defaultUpdateInterval          = 60 * time.Second
	defaultPunishDuration          = 30 * time.Minute
	defaultBaseTimeout             = 30 * time.Second
	defaultMaxPunishedTimes        = 5
	defaultMaxPunishedHostsPercent = 50
)

// ErrNoHosts is returned when a selector would end up with an empty host list.
var ErrNoHosts = errors.New("no hosts")

// HostInfo is the outcome of one selection.
type HostInfo struct {
	Host         string
	TimeoutPower int32
	Timeout      time.Duration
}

// HostState is a point in time copy of a host's bookkeeping.
type HostState struct {
	Host          string
	TimeoutPower  int32
	PunishedUntil time.Time
	PunishedCount int
}

type host struct {
	url          string
	timeoutPower atomic.Int32

	mu            sync.Mutex
	punishedUntil time.Time
	punishedCount int
}

func (h *host) isPunished(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Before(h.punishedUntil)
}

type snapshot struct {
	hosts []*host
	byURL map[string]*host
}

func newSnapshot(urls []string, previous *snapshot) *snapshot {
	s := &snapshot{
		hosts: make([]*host, 0, len(urls)),
		byURL: make(map[string]*host, len(urls)),
	}
	for _, url := range urls {
		if _, ok := s.byURL[url]; ok {
			continue
		}
		h := &host{url: url}
		if previous != nil {
			if old, ok := previous.byURL[url]; ok {
				h = old
			}
		}
		s.hosts = append(s.hosts, h)
		s.byURL[url] = h
	}
	return s
}

// Selector ...
type Selector struct {
	name                    string
	updateInterval          time.Duration
	punishDuration          time.Duration
	baseTimeout             time.Duration
	maxPunishedTimes        int
	maxPunishedHostsPercent int
	supplier                HostListSupplier
	policy                  PunishPolicy
	logger                  log.Logger
	metrics                 *metrics.Metrics
	clock                   func() time.Time

	current atomic.Pointer[snapshot]
	index   atomic.Uint64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Builder configures a Selector.
type Builder struct {
	hosts                   []string
	name                    string
	updateInterval          time.Duration
	punishDuration          time.Duration
	baseTimeout             time.Duration
	maxPunishedTimes        int
	maxPunishedHostsPercent int
	supplier                HostListSupplier
	policy                  PunishPolicy
	logger                  log.Logger
	metrics                 *metrics.Metrics
	clock                   func() time.Time
}

// NewBuilder ...
func NewBuilder(hosts []string) *Builder {
	return &Builder{
		hosts:                   hosts,
		name:                    "default",
		updateInterval:          defaultUpdateInterval,
		punishDuration:          defaultPunishDuration,
		baseTimeout:             defaultBaseTimeout,
		maxPunishedTimes:        defaultMaxPunishedTimes,
		maxPunishedHostsPercent: defaultMaxPunishedHostsPercent,
		policy:                  AlwaysPunish,
		logger:                  log.NewLogger(),
		clock:                   time.Now,
	}
}

// Name labels the selector in logs and metrics.
func (b *Builder) Name(name string) *Builder {
	b.name = name
	return b
}

// UpdateInterval sets how often the host list is refreshed from the supplier.
// Zero disables the background refresh.
func (b *Builder) UpdateInterval(interval time.Duration) *Builder {
	b.updateInterval = interval
	return b
}

// PunishDuration ...
func (b *Builder) PunishDuration(duration time.Duration) *Builder {
	b.punishDuration = duration
	return b
}

// BaseTimeout is the timeout of a host with timeout power 0.
func (b *Builder) BaseTimeout(timeout time.Duration) *Builder {
	b.baseTimeout = timeout
	return b
}

// MaxPunishedTimes caps the consecutive punishment count kept per host and
// reported by State. It does not gate selection; a punished host is skipped
// until its punishment expires however many times it was punished.
func (b *Builder) MaxPunishedTimes(times int) *Builder {
	b.maxPunishedTimes = times
	return b
}

// MaxPunishedHostsPercent ...
func (b *Builder) MaxPunishedHostsPercent(percent int) *Builder {
	b.maxPunishedHostsPercent = percent
	return b
}

// Supplier ...
func (b *Builder) Supplier(supplier HostListSupplier) *Builder {
	b.supplier = supplier
	return b
}

// Policy ...
func (b *Builder) Policy(policy PunishPolicy) *Builder {
	b.policy = policy
	return b
}

// Logger ...
func (b *Builder) Logger(logger log.Logger) *Builder {
	b.logger = logger
	return b
}

// Metrics ...
func (b *Builder) Metrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

// Clock replaces time.Now.
func (b *Builder) Clock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build creates the selector and starts its background refresh when a
// supplier is set. With no initial hosts the first refresh runs before
// Build returns.
func (b *Builder) Build(ctx context.Context) (*Selector, error) {
	if b.maxPunishedHostsPercent < 0 || b.maxPunishedHostsPercent > 100 {
		return nil, fmt.Errorf("max punished hosts percent out of range: %d", b.maxPunishedHostsPercent)
	}
	policy := b.policy
	if policy == nil {
		policy = AlwaysPunish
	}

	s := &Selector{
		name:                    b.name,
		updateInterval:          b.updateInterval,
		punishDuration:          b.punishDuration,
		baseTimeout:             b.baseTimeout,
		maxPunishedTimes:        b.maxPunishedTimes,
		maxPunishedHostsPercent: b.maxPunishedHostsPercent,
		supplier:                b.supplier,
		policy:                  policy,
		logger:                  b.logger,
		metrics:                 b.metrics,
		clock:                   b.clock,
	}
	s.current.Store(newSnapshot(b.hosts, nil))
	s.metrics.SetHosts(s.name, len(b.hosts))

	if len(b.hosts) == 0 {
		if s.supplier == nil {
			return nil, fmt.Errorf("%s selector: %w", s.name, ErrNoHosts)
		}
		if err := s.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("%s selector: initial refresh: %w", s.name, err)
		}
	}

	if s.supplier != nil && s.updateInterval > 0 {
		loopCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.refreshLoop(loopCtx)
	}

	return s, nil
}

// Hosts returns the URLs of the current snapshot in list order.
func (s *Selector) Hosts() []string {
	hosts := s.current.Load().hosts
	urls := make([]string, len(hosts))
	for i, h := range hosts {
		urls[i] = h.url
	}
	return urls
}

// SelectHost picks the host for the next attempt. Punished hosts are skipped
// until more than MaxPunishedHostsPercent of the list has been skipped, then
// the next host is taken regardless. Selecting on an empty list panics.
func (s *Selector) SelectHost() HostInfo {
	hosts := s.current.Load().hosts
	n := len(hosts)
	if n == 0 {
		panic(fmt.Sprintf("hostselector: %s selector has no hosts", s.name))
	}

	start := int((s.index.Add(1) - 1) % uint64(n))
	now := s.clock()
	chosen := hosts[start]
	skipped := 0
	for i := 0; i < n; i++ {
		h := hosts[(start+i)%n]
		if !h.isPunished(now) {
			chosen = h
			break
		}
		skipped++
		if skipped*100 > s.maxPunishedHostsPercent*n {
			chosen = hosts[(start+i+1)%n]
			break
		}
	}
	s.metrics.AddPunishedSkips(s.name, skipped)

	power := chosen.timeoutPower.Load()
	return HostInfo{
		Host:         chosen.url,
		TimeoutPower: power,
		Timeout:      s.baseTimeout << power,
	}
}

// Reward clears the punishment of url and resets its timeout power.
func (s *Selector) Reward(url string) {
	h := s.lookup(url)
	if h == nil {
		return
	}
	h.timeoutPower.Store(0)
	h.mu.Lock()
	h.punishedUntil = time.Time{}
	h.punishedCount = 0
	h.mu.Unlock()
}

// Punish punishes url for err unless the policy refuses. The return value
// tells the caller whether retrying on another host makes sense.
func (s *Selector) Punish(url string, err error) bool {
	if !s.policy.ShouldPunish(err) {
		return false
	}
	h := s.lookup(url)
	if h == nil {
		return true
	}

	h.mu.Lock()
	h.punishedUntil = s.clock().Add(s.punishDuration)
	if h.punishedCount < s.maxPunishedTimes || s.maxPunishedTimes <= 0 {
		h.punishedCount++
	}
	count := h.punishedCount
	h.mu.Unlock()

	s.logger.Debugf("Punished %s host %s (%d times): %s", s.name, url, count, err)
	return true
}

// IncreaseTimeoutPowerBy raises the timeout power of url to one above the
// power observed by a timed out attempt. The power never decreases here.
func (s *Selector) IncreaseTimeoutPowerBy(url string, observed int32) {
	h := s.lookup(url)
	if h == nil {
		return
	}
	next := observed + 1
	if next > MaxTimeoutPower {
		next = MaxTimeoutPower
	}
	for {
		current := h.timeoutPower.Load()
		if current >= next {
			return
		}
		if h.timeoutPower.CompareAndSwap(current, next) {
			s.metrics.IncTimeoutBumps(s.name)
			return
		}
	}
}

// State returns the bookkeeping of url, if it is in the current snapshot.
func (s *Selector) State(url string) (HostState, bool) {
	h := s.lookup(url)
	if h == nil {
		return HostState{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return HostState{
		Host:          h.url,
		TimeoutPower:  h.timeoutPower.Load(),
		PunishedUntil: h.punishedUntil,
		PunishedCount: h.punishedCount,
	}, true
}

// Refresh replaces the host list with the supplier's. On failure, or when the
// supplier returns no hosts, the current list is kept.
func (s *Selector) Refresh(ctx context.Context) error {
	if s.supplier == nil {
		return nil
	}
	urls, err := s.supplier.Hosts(ctx)
	if err == nil && len(urls) == 0 {
		err = ErrNoHosts
	}
	s.metrics.IncHostRefreshes(s.name, err == nil)
	if err != nil {
		s.logger.Warnf("Failed to refresh %s hosts, keeping the current list: %s", s.name, err)
		return err
	}

	s.current.Store(newSnapshot(urls, s.current.Load()))
	s.metrics.SetHosts(s.name, len(urls))
	s.logger.Debugf("Refreshed %s hosts: %v", s.name, urls)
	return nil
}

func (s *Selector) refreshLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}

// Close stops the background refresh and waits for it to exit.
func (s *Selector) Close() {
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
	})
}

func (s *Selector) lookup(url string) *host {
	return s.current.Load().byURL[url]
}
