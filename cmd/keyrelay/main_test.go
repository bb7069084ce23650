package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/keyrelay/internal/config"
	"github.com/cory-johannsen/keyrelay/internal/testutil"
)

const wait = 2 * time.Second

func loopbackConfig() config.Config {
	cfg := config.Default()
	cfg.WebSocket.Host = "127.0.0.1"
	cfg.WebSocket.Port = 0
	cfg.Telnet.Enabled = true
	cfg.Telnet.Host = "127.0.0.1"
	cfg.Telnet.Port = 0
	cfg.Health.GRPCPort = 0
	return cfg
}

func waitForAddr(t *testing.T, name string, addr func() string) string {
	t.Helper()
	deadline := time.After(wait)
	for {
		if a := addr(); a != "" {
			return a
		}
		select {
		case <-deadline:
			t.Fatalf("%s did not start in time", name)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestNewApp_Disabled(t *testing.T) {
	cfg := loopbackConfig()
	cfg.Telnet.Enabled = false
	cfg.Health.Enabled = false

	a, err := newApp(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, a.ws)
	assert.Nil(t, a.line)
	assert.Nil(t, a.health)
}

func TestApp_RunRelaysAcrossTransports(t *testing.T) {
	require.NoError(t, loopbackConfig().Validate())
	a, err := newApp(loopbackConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.lifecycle.Run(ctx)
	}()

	wsAddr := waitForAddr(t, "websocket", a.ws.Addr)
	lineAddr := waitForAddr(t, "telnet", a.line.Addr)
	waitForAddr(t, "health", a.health.Addr)

	ws := testutil.NewWSClient(t, "ws://"+wsAddr+"/ws")
	line := testutil.NewLineClient(t, lineAddr)

	ws.Send("setId|room1")
	ws.Expect("idIsSet|room1", wait)
	line.Send("setId|room1")
	line.Expect("idIsSet|room1", wait)

	line.Send("press|a")
	ws.Expect("press|a", wait)
	line.ExpectNothing(200 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}

	groups, members := a.registry.Stats()
	assert.Equal(t, 1, groups)
	assert.Equal(t, 0, members)
}
