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

type mockService struct {
	started atomic.Bool
	stopped atomic.Bool
	startFn func() error
	stopCh  chan struct{}
	once    sync.Once
	order   *stopOrder
	name    string
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func newMockService(name string, order *stopOrder) *mockService {
	return &mockService{name: name, order: order, stopCh: make(chan struct{})}
}

func (m *mockService) Start() error {
	m.started.Store(true)
	if m.startFn != nil {
		return m.startFn()
	}
	<-m.stopCh
	return nil
}

func (m *mockService) Stop() {
	m.once.Do(func() {
		m.stopped.Store(true)
		if m.order != nil {
			m.order.mu.Lock()
			m.order.names = append(m.order.names, m.name)
			m.order.mu.Unlock()
		}
		close(m.stopCh)
	})
}

func waitStarted(t *testing.T, svcs ...*mockService) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		all := true
		for _, s := range svcs {
			all = all && s.started.Load()
		}
		if all {
			return
		}
		select {
		case <-deadline:
			t.Fatal("services did not start in time")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestLifecycleStartsAndStopsServicesInReverse(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	order := &stopOrder{}

	svc1 := newMockService("svc1", order)
	svc2 := newMockService("svc2", order)
	require.NoError(t, lc.Add("svc1", svc1))
	require.NoError(t, lc.Add("svc2", svc2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- lc.Run(ctx)
	}()

	waitStarted(t, svc1, svc2)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}

	assert.True(t, svc1.stopped.Load())
	assert.True(t, svc2.stopped.Load())
	assert.Equal(t, []string{"svc2", "svc1"}, order.names)
}

func TestLifecycleServiceFailureStopsOthers(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))

	healthy := newMockService("healthy", nil)
	failing := newMockService("failing", nil)
	failing.startFn = func() error { return errors.New("bind: address in use") }

	require.NoError(t, lc.Add("healthy", healthy))
	require.NoError(t, lc.Add("failing", failing))

	done := make(chan error, 1)
	go func() {
		done <- lc.Run(context.Background())
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "service failing")
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.True(t, healthy.stopped.Load())
}

func TestLifecycleDuplicateName(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	require.NoError(t, lc.Add("ws", newMockService("ws", nil)))
	assert.Error(t, lc.Add("ws", newMockService("ws", nil)))
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false

	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func() {
			stopped = true
		},
	}

	err := svc.Start()
	assert.NoError(t, err)
	assert.True(t, started)

	svc.Stop()
	assert.True(t, stopped)
}
