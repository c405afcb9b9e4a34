package experiment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTeardownRunsEveryStepInOrder(t *testing.T) {
	var order []string
	td := &Teardown{}
	td.Add("a", func() error { order = append(order, "a"); return nil })
	td.Add("b", func() error { order = append(order, "b"); return errors.New("boom") })
	td.Add("c", func() error { order = append(order, "c"); return nil })

	errs := td.Run()
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Len(t, errs, 1)
	assert.Equal(t, []string{"a", "b", "c"}, td.Ran())

	assert.Empty(t, td.Run())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTeardownSurvivesPanickingStep(t *testing.T) {
	var order []string
	td := &Teardown{}
	td.Add("stop capture", func() error { order = append(order, "stop capture"); return nil })
	td.Add("extract io", func() error { panic("nil capture") })
	td.Add("release workload", func() error { order = append(order, "release workload"); return nil })

	errs := td.Run()
	assert.Equal(t, []string{"stop capture", "release workload"}, order)
	if assert.Len(t, errs, 1) {
		assert.Contains(t, errs[0].Error(), "extract io panicked")
	}
	assert.Equal(t, []string{"stop capture", "extract io", "release workload"}, td.Ran())
}
