package experiment

import (
	"fmt"

	"tork-perf/internal/logging"

	"github.com/sirupsen/logrus"
)

type teardownStep struct {
	name string
	fn   func() error
}

// call runs the action, turning a panic into its error so later actions
// still run.
func (s teardownStep) call() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", s.name, r)
		}
	}()
	return s.fn()
}

// Teardown is an explicit ordered list of release actions. Every action
// runs even when an earlier one fails.
type Teardown struct {
	steps []teardownStep
	ran   []string
}

func (t *Teardown) Add(name string, fn func() error) {
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

// Run executes the actions in registration order and returns their errors.
// Running a teardown twice is a no-op.
func (t *Teardown) Run() []error {
	logger := logging.GetLogger()

	var errs []error
	steps := t.steps
	t.steps = nil
	for _, s := range steps {
		logger.WithField("step", s.name).Debug("Teardown")
		t.ran = append(t.ran, s.name)
		if err := s.call(); err != nil {
			logger.WithFields(logrus.Fields{
				"step": s.name,
			}).WithError(err).Warn("Teardown step failed")
			errs = append(errs, err)
		}
	}
	return errs
}

// Pending reports whether actions are registered and not yet run.
func (t *Teardown) Pending() bool {
	return len(t.steps) > 0
}

// Ran lists the executed actions in order.
func (t *Teardown) Ran() []string {
	return append([]string(nil), t.ran...)
}
