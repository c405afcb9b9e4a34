package runstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAdvancesCompleted(t *testing.T) {
	next, err := State{Index: 3, Status: Completed}.Next(25)
	require.NoError(t, err)
	assert.Equal(t, State{Index: 4, Status: NotProcessed}, next)

	next, err = State{Index: 24, Status: Completed}.Next(25)
	require.NoError(t, err)
	assert.Equal(t, 25, next.Index)
}

func TestNextReattemptsUnfinished(t *testing.T) {
	next, err := State{Index: 7, Status: NotProcessed}.Next(25)
	require.NoError(t, err)
	assert.Equal(t, State{Index: 7, Status: NotProcessed}, next)
}

func TestNextExhausted(t *testing.T) {
	_, err := State{Index: 25, Status: Completed}.Next(25)
	assert.True(t, errors.Is(err, ErrExhausted))
}

func TestParse(t *testing.T) {
	st, err := Parse("3,COMPLETED\n")
	require.NoError(t, err)
	assert.Equal(t, State{Index: 3, Status: Completed}, st)

	for _, bad := range []string{"", "3", "x,COMPLETED", "3,DONE", "1,2,3"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestStoreBeginWithoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.txt")
	s := NewStore(path, 1, 25)

	st, err := s.Begin()
	require.NoError(t, err)
	assert.Equal(t, State{Index: 1, Status: NotProcessed}, st)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1,NOT_PROCESSED", string(data))
}

func TestStoreLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("3,COMPLETED"), 0o644))
	s := NewStore(path, 1, 25)

	st, err := s.Begin()
	require.NoError(t, err)
	assert.Equal(t, 4, st.Index)

	// crash before completion: same index again
	st, err = s.Begin()
	require.NoError(t, err)
	assert.Equal(t, 4, st.Index)

	require.NoError(t, s.Complete(st))
	st, err = s.Begin()
	require.NoError(t, err)
	assert.Equal(t, 5, st.Index)
}

func TestStoreBeginExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("25,COMPLETED"), 0o644))

	_, err := NewStore(path, 1, 25).Begin()
	assert.True(t, errors.Is(err, ErrExhausted))

	data, _ := os.ReadFile(path)
	assert.Equal(t, "25,COMPLETED", string(data))
}
