package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"tork-perf/internal/logging"
	"tork-perf/internal/process"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// HTTPingArgs measures count HEAD round trips to site through the SOCKS5
// listener on socksPort. A zero port measures the direct path.
func HTTPingArgs(binary string, socksPort, count int, site string) []string {
	args := []string{binary, "-c", strconv.Itoa(count)}
	if socksPort > 0 {
		args = append(args, "-x", fmt.Sprintf("127.0.0.1:%d", socksPort), "-5")
	}
	return append(args, "-i", "1", "-r", "-S", "-l", "-g", site)
}

// HTTPing runs the external latency probe and waits for it up to timeout.
// It returns false when the probe had to be killed.
func HTTPing(reg *process.Registry, key process.Key, args []string, logs process.LogFiles, timeout time.Duration) (bool, error) {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"category": key.Category,
		"location": key.Location,
	})

	h, err := reg.Start(key, args, logs)
	if err != nil {
		return false, err
	}
	exited, info := h.WaitTimeout(timeout)
	if !exited {
		reg.Stop(key)
		logger.WithField("timeout", timeout).Warn("Latency probe took too long, killed")
		return false, nil
	}
	reg.Stop(key)
	logger.WithFields(logrus.Fields{
		"exit_code": info.Code,
		"duration":  info.Duration,
	}).Debug("Latency probe finished")
	return true, nil
}

// HeadResult is one in-process latency observation. Elapsed is only set
// for a 200 answer.
type HeadResult struct {
	Status  int
	Elapsed time.Duration
}

func (r HeadResult) String() string {
	if r.Status != http.StatusOK {
		return fmt.Sprintf("%d -", r.Status)
	}
	return fmt.Sprintf("%d %s", r.Status, r.Elapsed)
}

// SOCKSClient returns an HTTP client whose connections go through the SOCKS5
// proxy at addr. Host names are resolved by the proxy.
func SOCKSClient(addr string, timeout time.Duration) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, errors.Wrapf(err, "socks5 dialer %s", addr)
	}
	transport := &http.Transport{DisableKeepAlives: true}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, address string) (net.Conn, error) {
			return dialer.Dial(network, address)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// HeadProbe times a HEAD request to site through the SOCKS5 proxy at
// socksAddr, following redirects.
func HeadProbe(ctx context.Context, site, socksAddr string, timeout time.Duration) (HeadResult, error) {
	client, err := SOCKSClient(socksAddr, timeout)
	if err != nil {
		return HeadResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, site, nil)
	if err != nil {
		return HeadResult{}, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return HeadResult{}, errors.Wrapf(err, "head %s", site)
	}
	resp.Body.Close()

	res := HeadResult{Status: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		res.Elapsed = time.Since(start)
	}
	return res, nil
}
