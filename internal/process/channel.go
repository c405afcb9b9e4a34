package process

import (
	"time"

	"tork-perf/internal/failure"
	"tork-perf/internal/logging"
	"tork-perf/internal/readiness"

	"github.com/sirupsen/logrus"
)

// ChannelOptions bound the validation of a forwarding channel.
type ChannelOptions struct {
	// Liveness is how long the transport process must survive after start.
	Liveness time.Duration
	Host     string
	Port     int
	Prober   *readiness.Prober
}

func DefaultChannelOptions(port int) ChannelOptions {
	return ChannelOptions{
		Liveness: 15 * time.Second,
		Host:     "127.0.0.1",
		Port:     port,
		Prober:   readiness.NewProber(readiness.DefaultAttempts, readiness.DefaultTimeout),
	}
}

// StartChannel starts a forwarding transport (ssh -D) and proves it took:
// the process must still be running after opts.Liveness and the forwarded
// port must accept a connection within the prober budget. Either failure is
// fatal and leaves no handle registered.
func StartChannel(reg *Registry, key Key, args []string, logs LogFiles, opts ChannelOptions) (*Handle, error) {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"category": key.Category,
		"location": key.Location,
		"port":     opts.Port,
	})

	h, err := reg.Start(key, args, logs)
	if err != nil {
		return nil, failure.Setup("channel", err)
	}

	logger.Info("Launching forwarding channel")
	if exited, info := h.WaitTimeout(opts.Liveness); exited {
		reg.Stop(key)
		logger.WithFields(logrus.Fields{
			"exit_code": info.Code,
			"logs":      logs.Stderr,
		}).Error("Forwarding channel terminated early")
		return nil, failure.Setupf("channel", "transport exited with code %d within %s", info.Code, opts.Liveness)
	}
	logger.Debug("Transport still running after liveness window")

	prober := opts.Prober
	if prober == nil {
		prober = readiness.NewProber(readiness.DefaultAttempts, readiness.DefaultTimeout)
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	if !prober.Ready(host, opts.Port) {
		reg.Stop(key)
		return nil, failure.Setupf("channel", "forwarded port %d never became routable", opts.Port)
	}

	logger.Info("Forwarding channel ready")
	return h, nil
}
