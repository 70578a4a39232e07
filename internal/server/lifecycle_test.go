package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type blockingService struct {
	name    string
	started atomic.Bool
	stop    chan struct{}
	once    sync.Once
	order   *stopOrder
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func (o *stopOrder) add(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
}

func newBlocking(name string, order *stopOrder) *blockingService {
	return &blockingService{name: name, stop: make(chan struct{}), order: order}
}

func (s *blockingService) Start() error {
	s.started.Store(true)
	<-s.stop
	return nil
}

func (s *blockingService) Stop() {
	s.once.Do(func() {
		s.order.add(s.name)
		close(s.stop)
	})
}

func TestLifecycle_StopsInReverseOrderOnCancel(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	order := &stopOrder{}
	relay, health := newBlocking("relay", order), newBlocking("health", order)
	lc.Add("relay", relay)
	lc.Add("health", health)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	require.Eventually(t, func() bool { return relay.started.Load() && health.started.Load() }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.Equal(t, []string{"health", "relay"}, order.names)
}

func TestLifecycle_ServiceFailureStopsOthers(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	order := &stopOrder{}
	relay := newBlocking("relay", order)
	boom := errors.New("address in use")
	lc.Add("relay", relay)
	lc.Add("broken", &FuncService{StartFn: func() error { return boom }, StopFn: func() { order.add("broken") }})

	err := lc.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []string{"broken", "relay"}, order.names)
}

func TestTickerService_RunsUntilStopped(t *testing.T) {
	var ticks atomic.Int32
	svc := &TickerService{
		Interval: 5 * time.Millisecond,
		Fn: func(context.Context) error {
			ticks.Add(1)
			return errors.New("database unreachable")
		},
		Logger: zaptest.NewLogger(t),
	}
	done := make(chan error, 1)
	go func() { done <- svc.Start() }()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, time.Millisecond)
	svc.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
}

func TestTickerService_StopBeforeStart(t *testing.T) {
	svc := &TickerService{Interval: time.Hour, Fn: func(context.Context) error { return nil }}
	svc.Stop()
	assert.NoError(t, svc.Start())
}

func TestFuncService(t *testing.T) {
	started, stopped := false, false
	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func() { stopped = true },
	}

	assert.NoError(t, svc.Start())
	assert.True(t, started)
	svc.Stop()
	assert.True(t, stopped)
}
