package audit

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/store"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewRecorder(s, nil)
}

func TestHandleRecordsEvents(t *testing.T) {
	t.Parallel()
	r := newRecorder(t)

	run := models.Run{ID: "run-1", SessionID: "s1", Status: models.RunStatusFailed, Error: "boom", RunnerID: "r1"}
	r.Handle(models.RunClaimed{Run: run})
	r.Handle(models.RunFinished{Run: run})
	r.Handle(models.RunnerDeregistered{RunnerID: "r1"})

	entries, err := r.List("run-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "run.finished", entries[0].Action)
	assert.Equal(t, "failed: boom", entries[0].Details)
	assert.Equal(t, OutcomeSuccess, entries[0].Outcome)
	assert.Len(t, entries[0].InputsHash, 64)

	all, err := r.List("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRejected(t *testing.T) {
	t.Parallel()
	r := newRecorder(t)

	r.Rejected("run.create", models.RunSpec{Type: "bogus"}, "", errors.New("invalid run spec"))

	entries, err := r.List("", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeRejected, entries[0].Outcome)
	assert.Equal(t, "invalid run spec", entries[0].Details)
}

func TestDisabledRecorder(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil, nil)
	assert.False(t, r.Enabled())
	r.Handle(models.RunnerDeregistered{RunnerID: "x"})

	entry, err := r.Record("x", nil, OutcomeSuccess, "", "")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entries, err := r.List("", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHashInputsIsStable(t *testing.T) {
	t.Parallel()

	a := hashInputs(map[string]string{"a": "1", "b": "2"})
	b := hashInputs(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, hashInputs(map[string]string{"a": "1"}))
	assert.Equal(t, "hash_error", hashInputs(make(chan int)))
}
