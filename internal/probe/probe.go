// Package probe starts the auxiliary observers of an experiment phase
// (bandwidth monitors, packet captures, host telemetry) and runs the
// post-phase extraction and latency measurements.
package probe

import (
	"strings"
	"time"

	"tork-perf/internal/host"
	"tork-perf/internal/logging"
	"tork-perf/internal/metrics"
	"tork-perf/internal/process"

	"github.com/sirupsen/logrus"
)

// Probe categories. They double as the category part of handle keys.
const (
	Nethogs   = "nethogs"
	Tcpdump   = "tcpdump"
	Telemetry = "telemetry"
)

// Spec is one observer to run at a site for the duration of a phase.
type Spec struct {
	Category string
	Site     host.Site
	Args     []string
	Logs     process.LogFiles
}

func (s Spec) Key() process.Key {
	return process.Key{Category: s.Category, Location: s.Site.Name}
}

// NethogsSpec monitors per-process bandwidth in trace mode. Verbose selects
// the total-bytes view used by throughput runs.
func NethogsSpec(site host.Site, binary string, verbose bool, logName string) Spec {
	args := []string{binary, "-t"}
	if verbose {
		args = append(args, "-v", "2")
	}
	return Spec{
		Category: Nethogs,
		Site:     site,
		Args:     site.Command(args...),
		Logs:     process.Combined(logName),
	}
}

// TcpdumpSpec captures into pcap. An empty iface keeps tcpdump's default.
func TcpdumpSpec(site host.Site, binary, iface, pcap, logName string) Spec {
	args := []string{binary}
	if iface != "" {
		args = append(args, "-i", iface)
	}
	args = append(args, "-w", pcap)
	return Spec{
		Category: Tcpdump,
		Site:     site,
		Args:     site.Command(args...),
		Logs:     process.Combined(logName),
	}
}

// TelemetrySpec runs the CPU/memory telemetry script at site. The script
// path may carry arguments separated by spaces.
func TelemetrySpec(site host.Site, script, logName string) Spec {
	return Spec{
		Category: Telemetry,
		Site:     site,
		Args:     site.Command(strings.Fields(script)...),
		Logs:     process.Combined(logName),
	}
}

// Set is the ordered collection of observers for one phase.
type Set struct {
	specs []Spec
}

func NewSet(specs ...Spec) *Set {
	return &Set{specs: append([]Spec(nil), specs...)}
}

func (s *Set) Add(spec Spec) {
	s.specs = append(s.specs, spec)
}

// Keys returns the keys of every spec in category, in insertion order.
func (s *Set) Keys(category string) []process.Key {
	var keys []process.Key
	for _, spec := range s.specs {
		if spec.Category == category {
			keys = append(keys, spec.Key())
		}
	}
	return keys
}

// Start launches every observer. A probe that fails to start is logged and
// counted; the phase proceeds with a degraded set.
func (s *Set) Start(reg *process.Registry) *Result {
	logger := logging.GetLogger()
	result := newResult()

	for _, spec := range s.specs {
		key := spec.Key()
		fields := logrus.Fields{
			"category": key.Category,
			"location": key.Location,
			"site":     spec.Site.String(),
		}
		if len(spec.Args) == 0 {
			logger.WithFields(fields).Warn("Probe has no command, skipping")
			result.fail(key, "no command configured")
			continue
		}
		if _, err := reg.Start(key, spec.Args, spec.Logs); err != nil {
			logger.WithFields(fields).WithError(err).Warn("Failed to start probe, continuing without it")
			metrics.ProbeFailures.WithLabelValues(key.Category, key.Location).Inc()
			result.fail(key, err.Error())
			continue
		}
		logger.WithFields(fields).Debug("Probe started")
		result.Started = append(result.Started, key.String())
	}

	result.Finished = time.Now()
	if result.Degraded() {
		logger.WithFields(logrus.Fields{
			"started": len(result.Started),
			"failed":  len(result.Failed),
		}).Warn("Probe set degraded")
	}
	return result
}

// Stop terminates the observers of the given categories, in the given
// category order. Failures are logged and counted, never returned: probes
// are best-effort in both directions.
func (s *Set) Stop(reg *process.Registry, categories ...string) {
	for _, category := range categories {
		for _, err := range reg.StopMany(s.Keys(category)...) {
			logging.GetLogger().WithField("category", category).WithError(err).Warn("Probe did not stop cleanly")
			metrics.ProbeFailures.WithLabelValues(category, "stop").Inc()
		}
	}
}
