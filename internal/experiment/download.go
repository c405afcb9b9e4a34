package experiment

import (
	"context"
	"net"
	"strconv"
	"time"

	"tork-perf/internal/failure"
	"tork-perf/internal/metrics"
	"tork-perf/internal/workload"

	"github.com/sirupsen/logrus"
)

const errorBackoff = time.Second

// downloadProxy is the subject's own SOCKS listener. The forwarding channel
// is never used for the background download.
func (c *Controller) downloadProxy() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.socksPort))
}

// Download repeats the reference download through the subject until ctx is
// cancelled. Per-cycle errors are logged and counted, never returned.
func (c *Controller) Download(ctx context.Context) error {
	if err := c.Setup(); err != nil {
		return err
	}
	if c.socksPort == 0 {
		return failure.Setupf("download", "no SOCKS listener in %s mode", c.cfg.Experiment.Mode)
	}

	d := c.cfg.Download
	addr := c.downloadProxy()
	dl, err := workload.NewDownloader(d.URL, addr, d.Timeout)
	if err != nil {
		return failure.Setup("download", err)
	}
	logger := c.logger().WithFields(logrus.Fields{
		"url":   d.URL,
		"proxy": addr,
	})
	logger.Info("Starting continuous download")

	for cycle := 1; ctx.Err() == nil; cycle++ {
		start := time.Now()
		n, err := dl.Download(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			metrics.Downloads.WithLabelValues("error").Inc()
			logger.WithField("cycle", cycle).WithError(err).Error("Download failed")
		} else {
			metrics.Downloads.WithLabelValues("ok").Inc()
			logger.WithFields(logrus.Fields{
				"cycle":    cycle,
				"bytes":    n,
				"duration": time.Since(start),
			}).Info("Download finished")
		}

		wait := d.Pause
		if err != nil && wait < errorBackoff {
			wait = errorBackoff
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
	logger.Info("Continuous download stopped")
	return nil
}
