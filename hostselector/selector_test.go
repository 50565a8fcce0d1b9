package hostselector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockSupplier struct {
	mock.Mock
}

func (m *mockSupplier) Hosts(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	hosts, _ := args.Get(0).([]string)
	return hosts, args.Error(1)
}

func newTestSelector(t *testing.T, hosts []string, clock *fakeClock) *Selector {
	s, err := NewBuilder(hosts).
		UpdateInterval(0).
		BaseTimeout(time.Second).
		PunishDuration(time.Minute).
		Clock(clock.Now).
		Logger(log.NewLogger()).
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSelector_SelectHostRotates(t *testing.T) {
	s := newTestSelector(t, []string{"a", "b", "c"}, newFakeClock())

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, s.SelectHost().Host)
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestSelector_SelectHostSkipsPunished(t *testing.T) {
	clock := newFakeClock()
	s := newTestSelector(t, []string{"a", "b", "c", "d"}, clock)

	require.True(t, s.Punish("a", errors.New("boom")))

	for i := 0; i < 8; i++ {
		assert.NotEqual(t, "a", s.SelectHost().Host)
	}

	clock.Advance(time.Minute + time.Second)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[s.SelectHost().Host] = true
	}
	assert.True(t, seen["a"], "punishment should expire")
}

func TestSelector_SelectHostDoesNotStarve(t *testing.T) {
	tests := []struct {
		name    string
		hosts   []string
		percent int
	}{
		{name: "half of four", hosts: []string{"a", "b", "c", "d"}, percent: 50},
		{name: "none tolerated", hosts: []string{"a", "b"}, percent: 0},
		{name: "all tolerated", hosts: []string{"a", "b", "c"}, percent: 100},
		{name: "single host", hosts: []string{"a"}, percent: 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewBuilder(tt.hosts).
				UpdateInterval(0).
				MaxPunishedHostsPercent(tt.percent).
				Clock(newFakeClock().Now).
				Build(context.Background())
			require.NoError(t, err)
			for _, h := range tt.hosts {
				require.True(t, s.Punish(h, errors.New("down")))
			}

			for i := 0; i < 2*len(tt.hosts); i++ {
				info := s.SelectHost()
				assert.Contains(t, tt.hosts, info.Host)
			}
		})
	}
}

func TestSelector_SelectHostHonorsPercent(t *testing.T) {
	// 4 hosts, 50%: two punished hosts may be skipped, a third may not.
	s, err := NewBuilder([]string{"a", "b", "c", "d"}).
		UpdateInterval(0).
		MaxPunishedHostsPercent(50).
		Clock(newFakeClock().Now).
		Build(context.Background())
	require.NoError(t, err)
	require.True(t, s.Punish("a", errors.New("x")))
	require.True(t, s.Punish("b", errors.New("x")))

	assert.Equal(t, "c", s.SelectHost().Host)
}

func TestSelector_RewardResetsState(t *testing.T) {
	clock := newFakeClock()
	s := newTestSelector(t, []string{"a"}, clock)

	require.True(t, s.Punish("a", errors.New("boom")))
	s.IncreaseTimeoutPowerBy("a", 0)
	s.IncreaseTimeoutPowerBy("a", 1)
	state, ok := s.State("a")
	require.True(t, ok)
	require.Equal(t, int32(2), state.TimeoutPower)
	require.True(t, clock.Now().Before(state.PunishedUntil))

	s.Reward("a")

	state, _ = s.State("a")
	assert.Equal(t, int32(0), state.TimeoutPower)
	assert.Equal(t, 0, state.PunishedCount)
	assert.False(t, clock.Now().Before(state.PunishedUntil))
	assert.Equal(t, time.Second, s.SelectHost().Timeout)
}

func TestSelector_IncreaseTimeoutPowerBy(t *testing.T) {
	s := newTestSelector(t, []string{"a"}, newFakeClock())

	s.IncreaseTimeoutPowerBy("a", 0)
	info := s.SelectHost()
	assert.Equal(t, int32(1), info.TimeoutPower)
	assert.Equal(t, 2*time.Second, info.Timeout)

	// A racing attempt that observed the old power must not lower it or bump twice.
	s.IncreaseTimeoutPowerBy("a", 0)
	state, _ := s.State("a")
	assert.Equal(t, int32(1), state.TimeoutPower)

	for i := int32(1); i < 20; i++ {
		s.IncreaseTimeoutPowerBy("a", i)
	}
	state, _ = s.State("a")
	assert.Equal(t, int32(MaxTimeoutPower), state.TimeoutPower)
	assert.Equal(t, time.Second<<MaxTimeoutPower, s.SelectHost().Timeout)
}

func TestSelector_PunishPolicy(t *testing.T) {
	errPermanent := errors.New("permanent")
	s, err := NewBuilder([]string{"a"}).
		UpdateInterval(0).
		Policy(PunishPolicyFunc(func(err error) bool { return !errors.Is(err, errPermanent) })).
		Clock(newFakeClock().Now).
		Build(context.Background())
	require.NoError(t, err)

	assert.False(t, s.Punish("a", errPermanent))
	state, _ := s.State("a")
	assert.Equal(t, 0, state.PunishedCount)

	assert.True(t, s.Punish("a", errors.New("transient")))
	state, _ = s.State("a")
	assert.Equal(t, 1, state.PunishedCount)
}

func TestSelector_PunishedCountIsCapped(t *testing.T) {
	s, err := NewBuilder([]string{"a"}).
		UpdateInterval(0).
		MaxPunishedTimes(2).
		Clock(newFakeClock().Now).
		Build(context.Background())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.Punish("a", errors.New("boom"))
	}

	state, _ := s.State("a")
	assert.Equal(t, 2, state.PunishedCount)
}

func TestSelector_EmptyHostList(t *testing.T) {
	_, err := NewBuilder(nil).Build(context.Background())
	require.ErrorIs(t, err, ErrNoHosts)

	s := &Selector{name: "test"}
	s.current.Store(newSnapshot(nil, nil))
	assert.Panics(t, func() { s.SelectHost() })
}

func TestSelector_InitialRefresh(t *testing.T) {
	var calls atomic.Int32
	supplier := HostListSupplierFunc(func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		return []string{"x", "y"}, nil
	})

	s, err := NewBuilder(nil).Supplier(supplier).UpdateInterval(0).Build(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"x", "y"}, s.Hosts())
}

func TestSelector_RefreshKeepsListOnFailure(t *testing.T) {
	supplier := new(mockSupplier)
	supplier.On("Hosts", mock.Anything).Return(nil, errors.New("discovery down")).Once()
	supplier.On("Hosts", mock.Anything).Return([]string{}, nil).Once()
	supplier.On("Hosts", mock.Anything).Return([]string{"b", "c"}, nil).Once()
	clock := newFakeClock()
	s, err := NewBuilder([]string{"a", "b"}).Supplier(supplier).UpdateInterval(0).Clock(clock.Now).Build(context.Background())
	require.NoError(t, err)
	require.True(t, s.Punish("b", errors.New("boom")))

	assert.Error(t, s.Refresh(context.Background()))
	assert.Equal(t, []string{"a", "b"}, s.Hosts())

	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNoHosts)
	assert.Equal(t, []string{"a", "b"}, s.Hosts())

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, []string{"b", "c"}, s.Hosts())
	state, ok := s.State("b")
	require.True(t, ok)
	assert.Equal(t, 1, state.PunishedCount, "state of a surviving host is carried over")
	_, ok = s.State("a")
	assert.False(t, ok)
	supplier.AssertExpectations(t)
}

func TestSelector_BackgroundRefresh(t *testing.T) {
	refreshed := make(chan struct{}, 1)
	supplier := HostListSupplierFunc(func(ctx context.Context) ([]string, error) {
		select {
		case refreshed <- struct{}{}:
		default:
		}
		return []string{"fresh"}, nil
	})

	s, err := NewBuilder([]string{"stale"}).Supplier(supplier).UpdateInterval(10 * time.Millisecond).Build(context.Background())
	require.NoError(t, err)
	defer s.Close()

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("background refresh did not run")
	}
	require.Eventually(t, func() bool {
		hosts := s.Hosts()
		return len(hosts) == 1 && hosts[0] == "fresh"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSelector_ConcurrentUse(t *testing.T) {
	s := newTestSelector(t, []string{"a", "b", "c"}, newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				info := s.SelectHost()
				switch (i + j) % 3 {
				case 0:
					s.Punish(info.Host, errors.New("x"))
				case 1:
					s.IncreaseTimeoutPowerBy(info.Host, info.TimeoutPower)
				default:
					s.Reward(info.Host)
				}
			}
		}(i)
	}
	wg.Wait()

	for _, h := range []string{"a", "b", "c"} {
		state, ok := s.State(h)
		require.True(t, ok)
		assert.LessOrEqual(t, state.TimeoutPower, int32(MaxTimeoutPower))
	}
}
