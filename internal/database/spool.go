package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tork-perf/internal/probe"

	"github.com/google/uuid"
)

// Manifest is the self-describing record of one iteration, spooled next to
// the plain-text artifacts.
type Manifest struct {
	Version int `json:"version"`

	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	ExperimentName string `json:"experiment_name"`
	Checksum       string `json:"checksum"`
	Mode           string `json:"mode"`
	Phase          string `json:"phase"`
	Index          int    `json:"index"`
	Iteration      int    `json:"iteration"`
	Resolution     string `json:"resolution,omitempty"`

	Verdict string    `json:"verdict"`
	States  []string  `json:"states"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`

	Artifacts    []string       `json:"artifacts"`
	SeriesLength map[string]int `json:"series_length"`
	Errors       []string       `json:"errors,omitempty"`
	Probes       *probe.Result  `json:"probes,omitempty"`
}

// NewRunID returns the identifier shared by every manifest of one process.
func NewRunID() string {
	return uuid.NewString()
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("TORKPERF_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// WriteManifest writes a gzip-compressed JSON manifest to disk atomically.
// It returns the final file path.
func WriteManifest(dir string, manifest *Manifest) (string, error) {
	if manifest == nil {
		return "", fmt.Errorf("manifest is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if manifest.Version == 0 {
		manifest.Version = 1
	}
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now()
	}

	checksum := manifest.Checksum
	if checksum == "" {
		checksum = "nocsum"
	}
	phase := manifest.Phase
	if manifest.Resolution != "" {
		phase += "_" + manifest.Resolution
	}
	name := fmt.Sprintf(
		"%s_k_%d_%d_%s_%s.json.gz",
		phase,
		manifest.Index,
		manifest.Iteration,
		manifest.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var m Manifest
	if err := json.NewDecoder(gz).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
