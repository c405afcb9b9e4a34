// Package workload drives the traffic sources of an experiment: the iperf
// throughput client, the media streaming server and client, and the
// continuous file download.
package workload

import (
	"fmt"
	"strconv"
	"time"

	"tork-perf/internal/failure"
	"tork-perf/internal/logging"
	"tork-perf/internal/process"

	"github.com/sirupsen/logrus"
)

const (
	Iperf     = "iperf"
	VLCServer = "vlc_server"
	VLCClient = "vlc_client"
)

// Proxychains prefixes args with a proxychains4 invocation using conf. An
// empty conf leaves args untouched.
func Proxychains(conf string, args ...string) []string {
	if conf == "" {
		return args
	}
	return append([]string{"proxychains4", "-f", conf}, args...)
}

// IperfArgs is the reverse-mode iperf3 client run for duration seconds.
func IperfArgs(proxyConf, target, port string, duration int) []string {
	return Proxychains(proxyConf,
		"iperf3", "-c", target, "-p", port,
		"-t", strconv.Itoa(duration), "-O", "1", "-f", "k", "-R")
}

// Release waits up to timeout for the workload behind key to finish on its
// own. On expiry the workload is killed and a phase failure is returned;
// the caller's teardown still runs.
func Release(reg *process.Registry, key process.Key, timeout time.Duration) error {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"category": key.Category,
		"location": key.Location,
	})

	h, ok := reg.Get(key)
	if !ok {
		return nil
	}
	exited, info := h.WaitTimeout(timeout)
	if !exited {
		reg.Stop(key)
		logger.WithField("timeout", timeout).Error("Workload harshly terminated")
		return failure.Phasef("workload", "%s did not finish within %s", key, timeout)
	}
	reg.Stop(key)
	logger.WithFields(logrus.Fields{
		"exit_code": info.Code,
		"duration":  info.Duration,
	}).Info("Workload finished")
	return nil
}

// LogName for workload raw logs: {category}_{params...}_{iteration}{ext}.
func LogName(category string, params []string, iteration int, ext string) string {
	name := category
	for _, p := range params {
		if p != "" {
			name += "_" + p
		}
	}
	if iteration > 0 {
		name += fmt.Sprintf("_%d", iteration)
	}
	return name + ext
}
