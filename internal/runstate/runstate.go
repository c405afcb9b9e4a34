// Package runstate persists the run index across controller restarts.
//
// The file holds "{index},{status}". A run that finished COMPLETED advances
// the index on the next start; any other status re-attempts the same index.
package runstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tork-perf/internal/logging"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Status string

const (
	NotProcessed Status = "NOT_PROCESSED"
	Completed    Status = "COMPLETED"
)

// DefaultMaxIndex is the last index a run may use.
const DefaultMaxIndex = 25

var ErrExhausted = errors.New("run index already at maximum")

type State struct {
	Index  int
	Status Status
}

func (s State) String() string {
	return fmt.Sprintf("%d,%s", s.Index, s.Status)
}

func Parse(content string) (State, error) {
	parts := strings.Split(strings.TrimSpace(content), ",")
	if len(parts) != 2 {
		return State{}, fmt.Errorf("malformed run state %q", content)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return State{}, fmt.Errorf("malformed run index %q", parts[0])
	}
	st := Status(strings.TrimSpace(parts[1]))
	if st != NotProcessed && st != Completed {
		return State{}, fmt.Errorf("unknown run status %q", st)
	}
	return State{Index: idx, Status: st}, nil
}

// Next returns the state the upcoming run uses.
func (s State) Next(maxIndex int) (State, error) {
	if s.Status != Completed {
		return State{Index: s.Index, Status: NotProcessed}, nil
	}
	if s.Index+1 > maxIndex {
		return s, ErrExhausted
	}
	return State{Index: s.Index + 1, Status: NotProcessed}, nil
}

// Store is the file-backed state. Only the controller writes it.
type Store struct {
	Path     string
	First    int
	MaxIndex int
}

func NewStore(path string, first, maxIndex int) *Store {
	if maxIndex <= 0 {
		maxIndex = DefaultMaxIndex
	}
	return &Store{Path: path, First: first, MaxIndex: maxIndex}
}

// Load returns the persisted state, or ok=false when none exists.
func (s *Store) Load() (State, bool, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	st, err := Parse(string(data))
	if err != nil {
		return State{}, false, errors.Wrapf(err, "read %s", s.Path)
	}
	return st, true, nil
}

// Begin resolves and persists the state of the run about to start.
func (s *Store) Begin() (State, error) {
	logger := logging.GetLogger()

	prev, ok, err := s.Load()
	if err != nil {
		return State{}, err
	}

	next := State{Index: s.First, Status: NotProcessed}
	if ok {
		next, err = prev.Next(s.MaxIndex)
		if err != nil {
			logger.WithField("index", prev.Index).Info("Run index is already at maximum value")
			return prev, err
		}
	}

	if err := s.Save(next); err != nil {
		return State{}, err
	}
	logger.WithFields(logrus.Fields{
		"index":    next.Index,
		"previous": prev.String(),
		"resumed":  ok,
	}).Info("Run state resolved")
	return next, nil
}

// Complete records that every artifact of st.Index has been written.
func (s *Store) Complete(st State) error {
	st.Status = Completed
	return s.Save(st)
}

// Save writes st through a temp file and rename so readers never see a
// partial record.
func (s *Store) Save(st State) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp.*")
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

	if _, err := tmp.WriteString(st.String()); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return err
	}
	ok = true
	return nil
}
