package readiness

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (*net.TCPListener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln.(*net.TCPListener), ln.Addr().(*net.TCPAddr).Port
}

func TestWaitForPortReady(t *testing.T) {
	ln, port := listen(t)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	conn, ok := WaitForPort("127.0.0.1", port, 3, time.Second)
	require.True(t, ok)
	require.NotNil(t, conn)
	conn.Close()
}

func TestWaitForPortExhaustsBudget(t *testing.T) {
	calls := 0
	p := &Prober{
		Attempts: 4,
		Timeout:  50 * time.Millisecond,
		Backoff:  time.Millisecond,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			calls++
			return nil, syscall.ECONNREFUSED
		},
	}

	conn, ok := p.WaitForPort("127.0.0.1", 1)
	assert.False(t, ok)
	assert.Nil(t, conn)
	assert.Equal(t, 4, calls)
}

func TestWaitForPortBoundedByBudget(t *testing.T) {
	p := &Prober{
		Attempts: 3,
		Timeout:  20 * time.Millisecond,
		Backoff:  0,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	start := time.Now()
	_, ok := p.WaitForPort("10.255.255.1", 9)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Less(t, elapsed, 3*20*time.Millisecond+200*time.Millisecond)
}

func TestWaitForPortRecoversAfterRefusals(t *testing.T) {
	_, port := listen(t)
	fails := 2
	p := &Prober{
		Attempts: 5,
		Timeout:  time.Second,
		Backoff:  time.Millisecond,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			if fails > 0 {
				fails--
				return nil, errors.New("connection refused")
			}
			var d net.Dialer
			return d.DialContext(ctx, network, address)
		},
	}

	assert.True(t, p.Ready("127.0.0.1", port))
	assert.Equal(t, 0, fails)
}
