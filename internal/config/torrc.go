package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Torrc is the option set handed to the subject, one "--key value" pair per
// entry.
type Torrc map[string]string

// BuildTorrc assembles the subject options for the configured mode from the
// "torrc" options of the active section.
func BuildTorrc(config *ExperimentConfig, bridgeIP string) Torrc {
	if config.Experiment.Mode == ModeNoTunnel {
		return Torrc{"socksport": "0", "controlport": "0"}
	}

	torrc := Torrc(config.SubConfig(config.Experiment.Config, "torrc"))
	switch config.Experiment.Mode {
	case ModeTunnelAssisted:
		t := config.Tork
		torrc["bridge"] = fmt.Sprintf("tork %s:%d", bridgeIP, t.BridgePort)
		torrc["ClientTransportPlugin"] = fmt.Sprintf(
			"tork exec %s -m client -p %d -A 1 --max_chunks %d --chunk %d --ts_min %d --ts_max %d --k_min %d --ch_active %d",
			config.Endpoints.TorkBin, t.ProxyPort, t.MaxChunks, t.Chunk, t.TsMin, t.TsMax, t.KMin, t.ChActive)
	case ModeDirectTunnel:
		torrc["bridge"] = fmt.Sprintf("%s:%d", bridgeIP, config.Tor.VanillaBridgePort)
	}
	return torrc
}

// SocksPort returns the subject's SOCKS listener port.
func SocksPort(torrc map[string]string) (int, error) {
	v, ok := torrc["socksport"]
	if !ok {
		return 0, fmt.Errorf("torrc socksport not configured")
	}
	port, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("torrc socksport %q is not a port", v)
	}
	return port, nil
}

// Args renders the options as command line arguments in key order.
func (t Torrc) Args() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "--"+k, t[k])
	}
	return args
}
