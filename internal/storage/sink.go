package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Sink writes named plain-text result artifacts into one directory. Every
// write replaces the artifact of that name; refusing to overwrite results is
// the caller's decision.
type Sink struct {
	Dir string
}

func NewSink(dir string) *Sink {
	return &Sink{Dir: dir}
}

func (s *Sink) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *Sink) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Save writes lines, one per line in order. A single line is written as-is
// without a trailing newline.
func (s *Sink) Save(name string, lines ...string) error {
	log.WithField("file", name).Debug("Saving result")

	err := s.write(name, func(w *bufio.Writer) error {
		if len(lines) == 1 {
			_, err := w.WriteString(lines[0])
			return err
		}
		for _, l := range lines {
			if _, err := w.WriteString(l + "\n"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithField("file", name).WithError(err).Error("Failed to save result")
		return err
	}
	return nil
}

// SaveSeries writes one value per line.
func (s *Sink) SaveSeries(name string, values []int64) error {
	log.WithFields(log.Fields{
		"file":   name,
		"values": len(values),
	}).Debug("Saving series")

	err := s.write(name, func(w *bufio.Writer) error {
		for _, v := range values {
			if _, err := w.WriteString(strconv.FormatInt(v, 10) + "\n"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithField("file", name).WithError(err).Error("Failed to save series")
		return err
	}
	return nil
}

// write fills a temp file next to the target and renames it into place.
func (s *Sink) write(name string, fill func(w *bufio.Writer) error) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, "."+name+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.Path(name)); err != nil {
		return err
	}
	ok = true
	return nil
}
