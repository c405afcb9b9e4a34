package probe

import (
	"os"
	"time"

	"tork-perf/internal/logging"
	"tork-perf/internal/metrics"
	"tork-perf/internal/process"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultIOFilter selects bridge-to-client payload segments.
const DefaultIOFilter = "tcp.srcport==8081&&tcp.len>0"

// ExtractIOArgs is the tshark invocation aggregating per-second IO of pcap.
func ExtractIOArgs(tshark, pcap, filter string) []string {
	if filter == "" {
		filter = DefaultIOFilter
	}
	return []string{tshark, "-r", pcap, "-q", "-Y", filter, "-z", "io,stat,1," + filter}
}

// ExtractIO writes the aggregated IO statistics of pcap into output. The
// extraction is bounded by timeout; on expiry the extractor is killed and
// completed is false. Only a failure to launch is returned as an error.
func ExtractIO(tshark, pcap, filter, output string, timeout time.Duration) (bool, error) {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"pcap":   pcap,
		"output": output,
	})

	f, err := os.Create(output)
	if err != nil {
		return false, errors.Wrap(err, "create io output")
	}
	defer f.Close()

	h, err := process.Start(process.Spec{
		Key:    process.Key{Category: "tshark", Location: "client"},
		Args:   ExtractIOArgs(tshark, pcap, filter),
		Stdout: f,
		Stderr: f,
	})
	if err != nil {
		return false, errors.Wrap(err, "start io extraction")
	}

	exited, info := h.WaitTimeout(timeout)
	if !exited {
		h.Stop()
		metrics.ProbeFailures.WithLabelValues("tshark", "client").Inc()
		logger.WithField("timeout", timeout).Warn("IO extraction took too long, killed")
		return false, nil
	}
	if info.Code != 0 {
		logger.WithField("exit_code", info.Code).Warn("IO extraction exited with error")
	}
	logger.Debug("IO extraction finished")
	return true, nil
}
