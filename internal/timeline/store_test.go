package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "timeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), db
}

// fakeCompensator records the compensating call as a success or error event.
type fakeCompensator struct {
	store *Store
	fail  error
	calls int
}

func (f *fakeCompensator) Compensate(ctx context.Context, original *Event) (*Event, error) {
	f.calls++
	ev := &Event{
		ProjectID:  original.ProjectID,
		Kind:       KindSuccess,
		ToolName:   original.CompensatingAction.Tool,
		Args:       original.CompensatingAction.Args,
		RefEventID: original.ID,
		Source:     SourceRevert,
	}
	if f.fail != nil {
		ev.Kind = KindError
		ev.ErrorDetail = f.fail.Error()
	}
	if _, err := f.store.Append(ctx, ev); err != nil {
		return nil, err
	}
	return ev, f.fail
}

func appendSuccess(t *testing.T, s *Store, project, tool string, comp *Invocation) *Event {
	t.Helper()
	ev := &Event{
		ProjectID:          project,
		Kind:               KindSuccess,
		ToolName:           tool,
		Args:               map[string]any{"name": "Cube"},
		Result:             json.RawMessage(`{"ok":true}`),
		CompensatingAction: comp,
		Source:             SourceAgent,
	}
	_, err := s.Append(context.Background(), ev)
	require.NoError(t, err)
	return ev
}

func TestAppendAssignsSequence(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := &Event{ProjectID: "p1", Kind: KindStart, ToolName: "ping"}
	seq, err := s.Append(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	seq, err = s.Append(ctx, &Event{ProjectID: "p1", Kind: KindSuccess, ToolName: "ping"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	seq, err = s.Append(ctx, &Event{ProjectID: "p2", Kind: KindStart, ToolName: "ping"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	_, err = s.Append(ctx, &Event{Kind: KindStart})
	assert.ErrorIs(t, err, ErrMissingProject)
}

func TestSequenceStrictlyIncreasingUnderConcurrency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	projects := []string{"alpha", "beta", "gamma"}
	const perProject = 40

	var wg sync.WaitGroup
	for _, p := range projects {
		for i := 0; i < perProject; i++ {
			wg.Add(1)
			go func(p string, i int) {
				defer wg.Done()
				_, err := s.Append(ctx, &Event{ProjectID: p, Kind: KindSuccess, ToolName: fmt.Sprintf("t%d", i)})
				assert.NoError(t, err)
			}(p, i)
		}
	}
	wg.Wait()

	for _, p := range projects {
		events, err := s.List(ctx, p, maxListLimit)
		require.NoError(t, err)
		require.Len(t, events, perProject)

		seqs := make([]int, len(events))
		for i, ev := range events {
			seqs[i] = int(ev.Seq)
		}
		assert.True(t, sort.IsSorted(sort.Reverse(sort.IntSlice(seqs))))
		for i, seq := range seqs {
			assert.Equal(t, perProject-i, seq, "project %s has a gap or duplicate", p)
		}
	}
}

func TestSequenceResumesFromDatabase(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, &Event{ProjectID: "p", Kind: KindStart, ToolName: "x"})
		require.NoError(t, err)
	}

	reopened := NewStore(db)
	seq, err := reopened.Append(ctx, &Event{ProjectID: "p", Kind: KindStart, ToolName: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
}

func TestListAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	comp := &Invocation{Tool: "delete_object", Args: map[string]any{"name": "Cube"}}
	first := appendSuccess(t, s, "p", "create_object", comp)
	appendSuccess(t, s, "p", "ping", nil)

	events, err := s.List(ctx, "p", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ping", events[0].ToolName)

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Seq, got.Seq)
	assert.Equal(t, comp, got.CompensatingAction)
	assert.Equal(t, map[string]any{"name": "Cube"}, got.Args)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.List(ctx, "", 10)
	assert.ErrorIs(t, err, ErrMissingProject)

	empty, err := s.List(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRevertWithoutCompensationCreatesNoEvent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ev := appendSuccess(t, s, "p", "ping", nil)
	comp := &fakeCompensator{store: s}

	_, err := s.Revert(ctx, ev.ID, comp)
	assert.ErrorIs(t, err, ErrNoCompensatingAction)
	assert.Zero(t, comp.calls)

	events, err := s.List(ctx, "p", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = s.Revert(ctx, "missing", comp)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevertAppendsCompensationThenReverted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	original := appendSuccess(t, s, "p", "create_object",
		&Invocation{Tool: "delete_object", Args: map[string]any{"name": "Cube"}})
	comp := &fakeCompensator{store: s}

	outcome, err := s.Revert(ctx, original.ID, comp)
	require.NoError(t, err)
	assert.Equal(t, KindSuccess, outcome.Kind)
	assert.Equal(t, "delete_object", outcome.ToolName)

	events, err := s.List(ctx, "p", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, KindReverted, events[0].Kind)
	assert.Equal(t, original.ID, events[0].RefEventID)
	assert.Equal(t, outcome.ID, events[1].ID)
	assert.Equal(t, original.ID, events[2].ID)
	assert.Equal(t, KindSuccess, events[2].Kind)

	reverted, err := s.IsReverted(ctx, original.ID)
	require.NoError(t, err)
	assert.True(t, reverted)

	_, err = s.Revert(ctx, original.ID, comp)
	assert.ErrorIs(t, err, ErrAlreadyReverted)
	assert.Equal(t, 1, comp.calls)
}

func TestRevertFailureLeavesOriginalActive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	original := appendSuccess(t, s, "p", "create_object",
		&Invocation{Tool: "delete_object", Args: map[string]any{"name": "Cube"}})
	boom := errors.New("editor refused")
	comp := &fakeCompensator{store: s, fail: boom}

	_, err := s.Revert(ctx, original.ID, comp)
	require.ErrorIs(t, err, boom)
	var re *RevertError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindError, re.Failure.Kind)

	reverted, err := s.IsReverted(ctx, original.ID)
	require.NoError(t, err)
	assert.False(t, reverted)

	comp.fail = nil
	_, err = s.Revert(ctx, original.ID, comp)
	require.NoError(t, err)
	assert.Equal(t, 2, comp.calls)
}

func TestRevertOfRevertIsRefused(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	original := appendSuccess(t, s, "p", "rename_object",
		&Invocation{Tool: "rename_object", Args: map[string]any{"from": "B", "to": "A"}})
	comp := &fakeCompensator{store: s}

	outcome, err := s.Revert(ctx, original.ID, comp)
	require.NoError(t, err)

	// Even a revert event that carries an inverse is not un-reverted.
	forged := &Event{
		ProjectID:          "p",
		Kind:               KindSuccess,
		ToolName:           outcome.ToolName,
		Args:               outcome.Args,
		CompensatingAction: &Invocation{Tool: "rename_object", Args: map[string]any{"from": "A", "to": "B"}},
		RefEventID:         original.ID,
		Source:             SourceRevert,
	}
	_, err = s.Append(ctx, forged)
	require.NoError(t, err)

	_, err = s.Revert(ctx, forged.ID, comp)
	assert.ErrorIs(t, err, ErrNoCompensatingAction)
	_, err = s.Revert(ctx, outcome.ID, comp)
	assert.ErrorIs(t, err, ErrNoCompensatingAction)
	assert.Equal(t, 1, comp.calls)
}
