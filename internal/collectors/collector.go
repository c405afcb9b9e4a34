package collectors

import (
	"context"
	"time"

	"tork-perf/internal/dataframe"
	"tork-perf/internal/logging"
	"tork-perf/internal/metrics"
	"tork-perf/internal/statschan"

	"github.com/sirupsen/logrus"
)

// Artifact-facing metric names.
const (
	DataBytesReceived  = "data_bytes_received"
	DataBytesSent      = "data_bytes_sent"
	CoverBytesReceived = "tor_bytes_received"
	CoverBytesSent     = "tor_bytes_sent"
	OtherBytesReceived = "other_bytes_received"
	OtherBytesSent     = "other_bytes_sent"
	FramesDisplayed    = "frames_displayed"
	FramesLost         = "frames_lost"
)

var (
	BytesMetrics = []string{
		DataBytesReceived, DataBytesSent,
		CoverBytesReceived, CoverBytesSent,
		OtherBytesReceived, OtherBytesSent,
	}
	FrameMetrics = []string{FramesDisplayed, FramesLost}
)

// Querier is one request/response exchange on a statistics endpoint.
type Querier interface {
	Query(request string) (string, error)
}

// Collector takes one observation per tick and appends it to the frame.
type Collector interface {
	Name() string
	Collect(f *dataframe.Frame) error
}

// BytesCollector samples the measurement subject's byte counters.
type BytesCollector struct {
	Client Querier
}

func (BytesCollector) Name() string { return "stats_bytes" }

func (c BytesCollector) Collect(f *dataframe.Frame) error {
	resp, err := c.Client.Query(statschan.BytesRequest)
	if err != nil {
		return err
	}
	rec, err := statschan.ParseBytes(resp)
	if err != nil {
		return err
	}
	values := []int64{rec.DataRx, rec.DataTx, rec.CoverRx, rec.CoverTx, rec.OtherRx, rec.OtherTx}
	for i, m := range BytesMetrics {
		if err := f.Append(m, values[i]); err != nil {
			return err
		}
		metrics.Samples.WithLabelValues(m).Inc()
	}
	return nil
}

// MediaCollector samples the media client's frame counters.
type MediaCollector struct {
	Client Querier
}

func (MediaCollector) Name() string { return "media_stats" }

func (c MediaCollector) Collect(f *dataframe.Frame) error {
	resp, err := c.Client.Query(statschan.MediaRequest)
	if err != nil {
		return err
	}
	logging.GetLogger().WithField("response", resp).Trace("Media stats")
	fc, err := statschan.ParseFrames(resp)
	if err != nil {
		return err
	}
	if err := f.Append(FramesDisplayed, fc.Displayed); err != nil {
		return err
	}
	if err := f.Append(FramesLost, fc.Lost); err != nil {
		return err
	}
	metrics.Samples.WithLabelValues(FramesDisplayed).Inc()
	metrics.Samples.WithLabelValues(FramesLost).Inc()
	return nil
}

// Window is a bounded sampling period of Ticks observations, one per
// Interval.
type Window struct {
	Ticks    int
	Interval time.Duration
}

// Run drives the collectors sequentially once per tick and waits Interval
// after each tick. The first collector error ends the window. The frame is
// frozen on return either way; the number of completed ticks is returned.
func (w Window) Run(ctx context.Context, f *dataframe.Frame, cs ...Collector) (int, error) {
	logger := logging.GetLogger()
	defer f.Freeze()

	for tick := 0; tick < w.Ticks; tick++ {
		for _, c := range cs {
			if err := c.Collect(f); err != nil {
				logger.WithFields(logrus.Fields{
					"collector": c.Name(),
					"tick":      tick,
				}).WithError(err).Error("Sampling window aborted")
				return tick, err
			}
		}
		timer := time.NewTimer(w.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return tick + 1, ctx.Err()
		case <-timer.C:
		}
	}
	return w.Ticks, nil
}
