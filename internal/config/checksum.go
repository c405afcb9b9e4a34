package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

type checksumPayload struct {
	Mode       Mode              `json:"mode"`
	Config     string            `json:"config"`
	Channel    bool              `json:"channel"`
	Tork       TorkConfig        `json:"tork"`
	Torrc      map[string]string `json:"torrc"`
	Throughput ThroughputConfig  `json:"throughput"`
	Streaming  StreamingConfig   `json:"streaming"`
}

// Checksum returns a short, stable checksum that identifies the effective
// experiment settings, independent of where results are written.
//
// It computes MD5 over a canonical JSON representation and returns the first 6 hex
// characters (equivalent to `md5sum | cut -c1-6`).
func Checksum(cfg *ExperimentConfig) (string, error) {
	if cfg == nil {
		return "", nil
	}

	payload := checksumPayload{
		Mode:       cfg.Experiment.Mode,
		Config:     cfg.Experiment.Config,
		Channel:    cfg.Channel.Enabled,
		Tork:       cfg.Tork,
		Torrc:      cfg.SubConfig(cfg.Experiment.Config, "torrc"),
		Throughput: cfg.Throughput,
		Streaming:  cfg.Streaming,
	}
	// encoding/json sorts map keys, so the encoding is canonical
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}

// ChecksumOrUnknown is Checksum for log fields and tags, where an encoding
// failure should not stop anything.
func ChecksumOrUnknown(cfg *ExperimentConfig) string {
	sum, err := Checksum(cfg)
	if err != nil || sum == "" {
		return "unknown"
	}
	return sum
}
