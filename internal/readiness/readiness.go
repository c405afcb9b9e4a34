// Package readiness polls TCP endpoints until they accept connections.
package readiness

import (
	"context"
	"net"
	"strconv"
	"time"

	"tork-perf/internal/logging"
	"tork-perf/internal/metrics"

	"github.com/sirupsen/logrus"
)

const (
	DefaultAttempts = 30
	DefaultTimeout  = 15 * time.Second
	DefaultBackoff  = time.Second
)

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober holds the retry budget for one kind of readiness poll.
type Prober struct {
	Attempts int
	Timeout  time.Duration
	Backoff  time.Duration
	Dial     DialFunc
}

func NewProber(attempts int, timeout time.Duration) *Prober {
	return &Prober{
		Attempts: attempts,
		Timeout:  timeout,
		Backoff:  DefaultBackoff,
	}
}

// WaitForPort polls host:port with the default backoff. On success the caller
// owns the returned connection.
func WaitForPort(host string, port int, attempts int, timeout time.Duration) (net.Conn, bool) {
	return NewProber(attempts, timeout).WaitForPort(host, port)
}

// WaitForPort makes at most p.Attempts connection attempts, sleeping
// p.Backoff between failed ones. A not-ready result is reported, not raised.
func (p *Prober) WaitForPort(host string, port int) (net.Conn, bool) {
	logger := logging.GetLogger()
	address := net.JoinHostPort(host, strconv.Itoa(port))

	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dial := p.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: timeout}
		dial = d.DialContext
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		conn, err := dial(ctx, "tcp", address)
		cancel()
		if err == nil {
			metrics.ReadinessAttempts.WithLabelValues("ready").Inc()
			logger.WithFields(logrus.Fields{
				"address": address,
				"attempt": attempt,
			}).Debug("Endpoint accepted connection")
			return conn, true
		}

		metrics.ReadinessAttempts.WithLabelValues("failed").Inc()
		logger.WithFields(logrus.Fields{
			"address":   address,
			"attempt":   attempt,
			"remaining": attempts - attempt,
		}).WithError(err).Debug("Endpoint not ready")

		if attempt < attempts && p.Backoff > 0 {
			time.Sleep(p.Backoff)
		}
	}

	logger.WithFields(logrus.Fields{
		"address":  address,
		"attempts": attempts,
	}).Warn("Endpoint never became ready")
	return nil, false
}

// Ready is WaitForPort for callers that only need the signal.
func (p *Prober) Ready(host string, port int) bool {
	conn, ok := p.WaitForPort(host, port)
	if conn != nil {
		conn.Close()
	}
	return ok
}
