package workload

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"tork-perf/internal/failure"
	"tork-perf/internal/host"
	"tork-perf/internal/logging"
	"tork-perf/internal/process"
	"tork-perf/internal/readiness"

	"github.com/sirupsen/logrus"
)

// ServerArgs serves sample over HTTP/FLV on port under a virtual display.
// The stream output chain is quoted for the remote shell when site is remote.
func ServerArgs(site host.Site, sample string, port int) []string {
	sout := fmt.Sprintf("#http{mux=ffmpeg{mux=flv},dst=:%d/}", port)
	if site.IsRemote() {
		sout = "'" + sout + "'"
	}
	return site.Command("xvfb-run", "cvlc", sample, "--verbose=1",
		"--sout", sout, "--sout-all", "--sout-keep")
}

// ClientArgs plays the stream at server:port with the rc interface bound to
// 127.0.0.1:controlPort.
func ClientArgs(proxyConf, server string, port, controlPort int) []string {
	return Proxychains(proxyConf,
		"cvlc", "-I", "rc", "--rc-host", "127.0.0.1:"+strconv.Itoa(controlPort),
		"--verbose=1", fmt.Sprintf("http://%s:%d/", server, port))
}

// Media runs one streaming session: the server at Site, the local client,
// and the control connection into the client.
type Media struct {
	Registry *process.Registry
	Site     host.Site
	Address  string
	Prober   *readiness.Prober
	// PkillTimeout bounds the remote display cleanup.
	PkillTimeout time.Duration
}

func (m *Media) serverKey() process.Key {
	return process.Key{Category: VLCServer, Location: m.Site.Name}
}

func (m *Media) clientKey() process.Key {
	return process.Key{Category: VLCClient, Location: host.Client}
}

func (m *Media) prober() *readiness.Prober {
	if m.Prober != nil {
		return m.Prober
	}
	return readiness.NewProber(readiness.DefaultAttempts, readiness.DefaultTimeout)
}

// StartServer launches the media server and waits for its port. A server
// that never becomes reachable is torn down and reported as a phase failure.
func (m *Media) StartServer(sample, resolution string, port int) error {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"site":       m.Site.String(),
		"resolution": resolution,
	})

	logs := process.LogFiles{
		Stdout: LogName(VLCServer, []string{resolution, "stdout"}, 0, ".log"),
		Stderr: LogName(VLCServer, []string{resolution, "stderr"}, 0, ".log"),
	}
	if _, err := m.Registry.Start(m.serverKey(), ServerArgs(m.Site, sample, port), logs); err != nil {
		return failure.Phase("media server", err)
	}
	logger.Info("Started media server")

	if !m.prober().Ready(m.Address, port) {
		m.StopServer()
		return failure.Phasef("media server", "%s:%d never became reachable", m.Address, port)
	}
	logger.Info("Media server is ready")
	return nil
}

// StartClient launches the local media client and returns the connection
// to its control interface. The caller owns the connection.
func (m *Media) StartClient(proxyConf, resolution string, port, controlPort int) (net.Conn, error) {
	logs := process.LogFiles{
		Stdout: LogName(VLCClient, []string{resolution, "stdout"}, 0, ".log"),
		Stderr: LogName(VLCClient, []string{resolution, "stderr"}, 0, ".log"),
	}
	args := ClientArgs(proxyConf, m.Address, port, controlPort)
	if _, err := m.Registry.Start(m.clientKey(), args, logs); err != nil {
		return nil, failure.Phase("media client", err)
	}

	conn, ok := m.prober().WaitForPort("127.0.0.1", controlPort)
	if !ok {
		m.StopClient()
		return nil, failure.Phasef("media client", "control interface on %d never answered", controlPort)
	}
	return conn, nil
}

func (m *Media) StopClient() error {
	return m.Registry.Stop(m.clientKey())
}

// StopServer kills the media server and its virtual display at the site.
func (m *Media) StopServer() error {
	logger := logging.GetLogger().WithField("site", m.Site.String())
	logger.Info("Killing media server")

	err := m.Registry.Stop(m.serverKey())

	if m.Site.IsRemote() {
		h, perr := process.Start(process.Spec{
			Key:  process.Key{Category: "pkill", Location: m.Site.Name},
			Args: m.Site.Command("pkill", "Xvfb"),
		})
		if perr != nil {
			logger.WithError(perr).Warn("Failed to clean up virtual display")
			return err
		}
		timeout := m.PkillTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		if exited, _ := h.WaitTimeout(timeout); !exited {
			h.Stop()
			logger.Warn("Virtual display cleanup timed out")
		}
	}
	return err
}
