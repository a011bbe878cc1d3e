// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/store"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type countingStore struct {
	*store.MessageStore
	mu       sync.Mutex
	appended []model.Message
}

func newCountingStore() *countingStore {
	return &countingStore{MessageStore: store.New()}
}

func (s *countingStore) AppendOptimistic(m model.Message) {
	s.mu.Lock()
	s.appended = append(s.appended, m)
	s.mu.Unlock()
	s.MessageStore.AppendOptimistic(m)
}

type fakeSaver struct {
	mu     sync.Mutex
	drafts []model.Draft
	ids    []string
	err    error
}

func (f *fakeSaver) SaveMessage(ctx context.Context, sessionID string, d model.Draft) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, d)
	f.ids = append(f.ids, sessionID)
	if f.err != nil {
		return model.Message{}, f.err
	}
	return model.Message{
		ID:        model.PersistedID("persisted-9"),
		Role:      d.Role,
		Content:   d.Content,
		ModelUsed: d.ModelUsed,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}.Rehash(), nil
}

func (f *fakeSaver) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drafts)
}

// scriptedTransport replays events. With hold set the stream stays open
// after the script.
type scriptedTransport struct {
	events   []Event
	hold     bool
	startErr error

	mu   sync.Mutex
	reqs []Request
	last *Pipe
}

func (t *scriptedTransport) Start(ctx context.Context, req Request) (Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reqs = append(t.reqs, req)
	if t.startErr != nil {
		return nil, t.startErr
	}
	p := NewPipe(len(t.events)+1, nil)
	t.last = p
	go func() {
		for _, ev := range t.events {
			if !p.Send(ev) {
				return
			}
		}
		if !t.hold {
			p.Close()
		}
	}()
	return p, nil
}

type loadingRecorder struct {
	mu     sync.Mutex
	values []bool
}

func (l *loadingRecorder) set(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = append(l.values, v)
}

func (l *loadingRecorder) last() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.values) == 0 {
		return false
	}
	return l.values[len(l.values)-1]
}

func contentOf(t *testing.T, s *countingStore, id model.MessageID) string {
	t.Helper()
	m, ok := s.Get(id)
	require.True(t, ok, "message %s missing", id)
	return m.Content
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestReconciler_DeltasPatchPlaceholderOnly(t *testing.T) {
	st := newCountingStore()
	saver := &fakeSaver{}
	r := NewReconciler(st, saver, nil)

	turn := r.Begin()
	require.Len(t, st.appended, 1)
	assert.Equal(t, model.RoleAssistant, st.appended[0].Role)
	assert.Equal(t, "", st.appended[0].Content)
	assert.True(t, turn.Placeholder.IsTemp())
	assert.Equal(t, StateStreaming, r.State())

	for _, d := range []string{"I ", "understand", " that."} {
		require.True(t, r.ApplyDelta(turn, d))
	}
	assert.Equal(t, "I understand that.", contentOf(t, st, turn.Placeholder))
	assert.Equal(t, 0, saver.calls(), "no save while streaming")
}

func TestReconciler_RunHappyPath(t *testing.T) {
	st := newCountingStore()
	saver := &fakeSaver{}
	tr := &scriptedTransport{events: []Event{
		Delta("I "), Delta("understand"), Delta(" that."),
		Done("", "", nil),
	}}
	var persistedFrom, persistedTo model.MessageID
	loading := &loadingRecorder{}
	r := NewReconciler(st, saver, tr,
		WithModelResolver(func() string { return "qwen2.5-coder:7b" }),
		WithOnLoading(loading.set),
		WithOnPersisted(func(oldID, newID model.MessageID) {
			persistedFrom, persistedTo = oldID, newID
		}),
	)

	err := r.Run(context.Background(), "S1", "I feel anxious", nil)
	require.NoError(t, err)

	require.Equal(t, 1, saver.calls())
	assert.Equal(t, "S1", saver.ids[0])
	assert.Equal(t, model.RoleAssistant, saver.drafts[0].Role)
	assert.Equal(t, "I understand that.", saver.drafts[0].Content)
	assert.Equal(t, "qwen2.5-coder:7b", saver.drafts[0].ModelUsed)

	msgs := st.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.PersistedID("persisted-9"), msgs[0].ID)
	assert.Equal(t, "I understand that.", msgs[0].Content)
	assert.Equal(t, "qwen2.5-coder:7b", msgs[0].ModelUsed)

	assert.True(t, persistedFrom.IsTemp())
	assert.Equal(t, model.PersistedID("persisted-9"), persistedTo)
	assert.Equal(t, StateIdle, r.State())
	assert.False(t, loading.last())

	require.Len(t, tr.reqs, 1)
	assert.Equal(t, "I feel anxious", tr.reqs[0].UserText)
}

func TestReconciler_TerminalModelWins(t *testing.T) {
	st := newCountingStore()
	saver := &fakeSaver{}
	tr := &scriptedTransport{events: []Event{Delta(" hi "), Done("", "llama3.2", model.Metadata{"eval_count": 3})}}
	r := NewReconciler(st, saver, tr, WithModelResolver(func() string { return "fallback" }))

	require.NoError(t, r.Run(context.Background(), "S1", "hello", nil))
	require.Equal(t, 1, saver.calls())
	assert.Equal(t, "hi", saver.drafts[0].Content, "final content is trimmed")
	assert.Equal(t, "llama3.2", saver.drafts[0].ModelUsed)
	assert.Equal(t, model.Metadata{"eval_count": 3}, saver.drafts[0].Metadata)
}

func TestReconciler_SaveFailureKeepsVisibleContent(t *testing.T) {
	st := newCountingStore()
	saver := &fakeSaver{err: errors.New("server down")}
	r := NewReconciler(st, saver, nil, WithModelResolver(func() string { return "m" }))

	turn := r.Begin()
	r.ApplyDelta(turn, "answer")
	msg, err := r.Finish(context.Background(), turn, "S1", Done("", "", nil))
	require.NoError(t, err)

	assert.Equal(t, turn.Placeholder, msg.ID)
	got, ok := st.Get(turn.Placeholder)
	require.True(t, ok, "placeholder stays visible")
	assert.Equal(t, "answer", got.Content)
	assert.Empty(t, got.ModelUsed, "model is only recorded on a successful save")
	assert.Empty(t, msg.ModelUsed)
	assert.Equal(t, StateIdle, r.State())
}

func TestReconciler_SaveWaitsForBarrier(t *testing.T) {
	st := newCountingStore()
	saver := &fakeSaver{}
	release := make(chan struct{})
	r := NewReconciler(st, saver, nil, WithSaveBarrier(func() { <-release }))

	turn := r.Begin()
	r.ApplyDelta(turn, "answer")
	done := make(chan error, 1)
	go func() {
		_, err := r.Finish(context.Background(), turn, "S1", Done("", "", nil))
		done <- err
	}()

	require.Eventually(t, func() bool { return r.State() == StateFinalizing }, time.Second, time.Millisecond)
	assert.Equal(t, 0, saver.calls(), "reply saved before the barrier opened")
	assert.Equal(t, "answer", contentOf(t, st, turn.Placeholder))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, saver.calls())
}

// lockRecorder records whether hooks ran with the identity lock held.
type lockRecorder struct {
	sync.Mutex
	held bool
}

func (l *lockRecorder) Lock()   { l.Mutex.Lock(); l.held = true }
func (l *lockRecorder) Unlock() { l.held = false; l.Mutex.Unlock() }

func TestReconciler_PersistHookRunsUnderIdentityLock(t *testing.T) {
	st := newCountingStore()
	lock := &lockRecorder{}
	var heldDuringHook bool
	r := NewReconciler(st, &fakeSaver{}, nil,
		WithIdentityLock(lock),
		WithOnPersisted(func(oldID, newID model.MessageID) {
			heldDuringHook = lock.held
			_, stillOld := st.Get(oldID)
			assert.False(t, stillOld)
		}),
	)

	turn := r.Begin()
	r.ApplyDelta(turn, "answer")
	_, err := r.Finish(context.Background(), turn, "S1", Done("", "", nil))
	require.NoError(t, err)
	assert.True(t, heldDuringHook)
	assert.False(t, lock.held)
}

func TestReconciler_EmptyContentIsNotSaved(t *testing.T) {
	st := newCountingStore()
	saver := &fakeSaver{}
	tr := &scriptedTransport{events: []Event{Delta("  \n "), Done("", "", nil)}}
	r := NewReconciler(st, saver, tr)

	require.NoError(t, r.Run(context.Background(), "S1", "x", nil))
	assert.Equal(t, 0, saver.calls())
	assert.Equal(t, 0, st.Len())
}

// =============================================================================
// CANCELLATION AND FAILURE
// =============================================================================

func TestReconciler_StopRemovesPlaceholder(t *testing.T) {
	st := newCountingStore()
	saver := &fakeSaver{}
	loading := &loadingRecorder{}
	r := NewReconciler(st, saver, nil, WithOnLoading(loading.set))

	turn := r.Begin()
	r.ApplyDelta(turn, "I ")
	r.Stop()
	r.Stop()

	assert.Equal(t, 0, st.Len())
	assert.Equal(t, 0, saver.calls())
	assert.False(t, loading.last())
	assert.Equal(t, StateIdle, r.State())
	assert.False(t, r.ApplyDelta(turn, "late"), "late deltas are ignored")

	_, err := r.Finish(context.Background(), turn, "S1", Done("", "", nil))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, saver.calls())
}

func TestReconciler_DiscardHookOnRollback(t *testing.T) {
	st := newCountingStore()
	var mu sync.Mutex
	var discarded []model.MessageID
	r := NewReconciler(st, &fakeSaver{}, nil, WithOnDiscarded(func(id model.MessageID) {
		mu.Lock()
		discarded = append(discarded, id)
		mu.Unlock()
	}))

	stopped := r.Begin()
	r.Stop()

	failed := r.Begin()
	require.Error(t, r.Fail(failed, errors.New("boom")))

	empty := r.Begin()
	_, err := r.Finish(context.Background(), empty, "S1", Done("", "", nil))
	require.NoError(t, err)

	saved := r.Begin()
	r.ApplyDelta(saved, "kept")
	_, err = r.Finish(context.Background(), saved, "S1", Done("", "", nil))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.MessageID{stopped.Placeholder, failed.Placeholder, empty.Placeholder}, discarded)
}

func TestReconciler_RunStopAfterOneDelta(t *testing.T) {
	st := newCountingStore()
	saver := &fakeSaver{}
	tr := &scriptedTransport{events: []Event{Delta("I ")}, hold: true}
	r := NewReconciler(st, saver, tr)

	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background(), "S1", "hi", nil) }()

	require.Eventually(t, func() bool {
		msgs := st.All()
		return len(msgs) == 1 && msgs[0].Content == "I "
	}, time.Second, time.Millisecond)

	r.Stop()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, 0, st.Len())
	assert.Equal(t, 0, saver.calls())

	tr.mu.Lock()
	p := tr.last
	tr.mu.Unlock()
	select {
	case <-p.Stopped():
	default:
		t.Fatal("transport stream was not stopped")
	}
}

func TestReconciler_ContextCancel(t *testing.T) {
	st := newCountingStore()
	tr := &scriptedTransport{hold: true}
	r := NewReconciler(st, &fakeSaver{}, tr)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx, "S1", "hi", nil) }()
	require.Eventually(t, func() bool { return st.Len() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, ErrCancelled)
	assert.Equal(t, 0, st.Len())
}

func TestReconciler_TransportErrorRollsBack(t *testing.T) {
	cause := errors.New("connection reset")
	st := newCountingStore()
	saver := &fakeSaver{}
	loading := &loadingRecorder{}
	tr := &scriptedTransport{events: []Event{Delta("partial"), Failed(cause)}}
	r := NewReconciler(st, saver, tr, WithOnLoading(loading.set))

	err := r.Run(context.Background(), "S1", "hi", nil)
	assert.ErrorIs(t, err, ErrStreamFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, st.Len())
	assert.Equal(t, 0, saver.calls())
	assert.False(t, loading.last())
}

func TestReconciler_StartErrorRollsBack(t *testing.T) {
	st := newCountingStore()
	tr := &scriptedTransport{startErr: errors.New("ollama not running")}
	r := NewReconciler(st, &fakeSaver{}, tr)

	err := r.Run(context.Background(), "S1", "hi", nil)
	assert.ErrorIs(t, err, ErrStreamFailed)
	assert.Equal(t, 0, st.Len())
}

func TestReconciler_ClosedWithoutTerminal(t *testing.T) {
	st := newCountingStore()
	tr := &scriptedTransport{events: []Event{Delta("x")}}
	r := NewReconciler(st, &fakeSaver{}, tr)

	err := r.Run(context.Background(), "S1", "hi", nil)
	assert.ErrorIs(t, err, ErrStreamFailed)
	assert.Equal(t, 0, st.Len())
}

func TestReconciler_ForcedSecondBeginLeavesNoOrphan(t *testing.T) {
	st := newCountingStore()
	r := NewReconciler(st, &fakeSaver{}, nil)

	first := r.Begin()
	r.ApplyDelta(first, "one")
	second := r.Begin()

	msgs := st.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, second.Placeholder, msgs[0].ID)
	assert.False(t, r.ApplyDelta(first, "late"))
	assert.True(t, r.ApplyDelta(second, "two"))
	assert.Equal(t, "two", contentOf(t, st, second.Placeholder))

	select {
	case <-first.Done():
	default:
		t.Fatal("superseded turn not closed")
	}
}

func TestReconciler_NoTransport(t *testing.T) {
	r := NewReconciler(newCountingStore(), &fakeSaver{}, nil)
	assert.ErrorIs(t, r.Run(context.Background(), "S1", "hi", nil), ErrStreamFailed)
}

func TestPipe_StopIsIdempotent(t *testing.T) {
	calls := 0
	p := NewPipe(0, func() { calls++ })
	p.Stop()
	p.Stop()
	assert.Equal(t, 1, calls)
	assert.False(t, p.Send(Delta("x")))
	p.Close()
	_, ok := <-p.Events()
	assert.False(t, ok)
}
