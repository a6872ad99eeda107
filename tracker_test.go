package reqcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequence returns an id source drawing ids from ids in order.
func sequence(ids ...int) func(int) int {
	var mu sync.Mutex
	i := 0
	return func(int) int {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func TestTrackerNewScopeUnique(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r, WithScopeIDSource(sequence(7, 7, 7, 3)))

	first, _ := tr.NewScope()
	second, _ := tr.NewScope()

	if first != 7 {
		t.Errorf("want %d: got %d", 7, first)
	}

	if second != 3 {
		t.Errorf("colliding id should be redrawn, want %d: got %d", 3, second)
	}

	if tr.Len() != 2 {
		t.Errorf("want %d: got %d", 2, tr.Len())
	}
}

func TestTrackerScopeIDsWiden(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r, WithMaxScopeID(2))

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		id, _ := tr.NewScope()
		if seen[id] {
			t.Fatalf("scope id %d handed out twice", id)
		}
		seen[id] = true
	}
}

func TestTrackerEndScope(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)

	id, done := tr.NewScope()

	if !tr.EndScope(id) {
		t.Errorf("ending a live scope should report true")
	}

	select {
	case <-done:
	default:
		t.Errorf("scope signal should be closed once the scope ended")
	}

	if tr.EndScope(id) {
		t.Errorf("ending an unknown scope should report false")
	}

	if tr.Len() != 0 {
		t.Errorf("want %d: got %d", 0, tr.Len())
	}
}

func TestTrackerEndScopeBeforePublish(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)

	calls := 0
	id := tr.Listen("items", func(any) { calls++ })
	tr.EndScope(id)

	r.Publish("items", "value")

	if calls != 0 {
		t.Errorf("want %d: got %d", 0, calls)
	}

	if r.Subscribers("items") != 0 {
		t.Errorf("want %d: got %d", 0, r.Subscribers("items"))
	}
}

func TestTrackerListen(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)

	var got []any
	tr.Listen("prices", func(v any) { got = append(got, v) })

	r.Publish("prices", 1)
	r.Publish("prices", nil)
	r.Publish("prices", 2)

	assert.Equal(t, []any{1, 2}, got)

	// deleting the channel ends the listener's scope.
	r.Delete("prices")
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerListenOnce(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)

	var got []any
	tr.ListenOnce("session", func(v any) { got = append(got, v) })

	r.Publish("session", nil)
	r.Publish("session", "first")
	r.Publish("session", "second")

	assert.Equal(t, []any{"first"}, got)
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 0, r.Subscribers("session"))
}

func TestTrackerListenOnceReplay(t *testing.T) {
	r := NewRegistry[any](nil)
	r.Create("session", Replay)
	r.Publish("session", "ready")

	tr := NewTracker[any](r)

	var got []any
	tr.ListenOnce("session", func(v any) { got = append(got, v) })

	assert.Equal(t, []any{"ready"}, got)
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerListenRequestOutcomeSuccess(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)

	var success, failure []any
	tr.ListenRequestOutcome("s1", "e1",
		func(v any) { success = append(success, v) },
		func(v any) { failure = append(failure, v) },
	)

	r.Publish("s1", map[string]int{"id": 1})
	r.Publish("e1", errors.New("late"))

	assert.Equal(t, []any{map[string]int{"id": 1}}, success)
	assert.Empty(t, failure)
	assert.Equal(t, 0, r.Subscribers("s1"))
	assert.Equal(t, 0, r.Subscribers("e1"))
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerListenRequestOutcomeError(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)

	var failure []any
	tr.ListenRequestOutcome("s1", "e1", nil, func(v any) { failure = append(failure, v) })

	boom := errors.New("boom")
	r.Publish("e1", boom)
	r.Publish("s1", "late")

	require.Len(t, failure, 1)
	assert.ErrorIs(t, failure[0].(error), boom)
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerListenRequestOutcomeConcurrent(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)

	rec := &recorder{}
	tr.ListenRequestOutcome("s1", "e1", rec.add, rec.add)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Publish("s1", i)
		}(i)
		go func(i int) {
			defer wg.Done()
			r.Publish("e1", i)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, rec.len(), "exactly one outcome callback should fire")
}

func TestTrackerClose(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)

	calls := 0
	tr.Listen("a", func(any) { calls++ })
	tr.ListenOnce("b", func(any) { calls++ })
	tr.ListenRequestOutcome("c", "d", func(any) { calls++ }, func(any) { calls++ })

	closed := false
	tr.onClose = func() { closed = true }
	tr.Close()
	tr.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		r.Publish(id, "value")
	}

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, tr.Len())
	assert.True(t, closed)

	id, done := tr.NewScope()
	assert.Equal(t, -1, id)
	select {
	case <-done:
	default:
		t.Errorf("scope handed out after close should already be ended")
	}

	assert.Equal(t, -1, tr.Listen("a", func(any) { calls++ }))
}

func TestAwait(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)
	out := Outcome{SuccessID: "s1", ErrorID: "e1"}
	r.Create("s1", Transient)
	r.Create("e1", Transient)

	go func() {
		for r.Subscribers("s1") == 0 {
			time.Sleep(time.Millisecond)
		}
		r.Publish("s1", "done")
	}()

	got, err := Await(context.Background(), tr, out)
	require.NoError(t, err)
	assert.Equal(t, "done", got)
}

func TestAwaitError(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)
	out := Outcome{SuccessID: "s1", ErrorID: "e1"}

	boom := &TransportError{Status: 500, Body: []byte("oops")}
	got, err := await(context.Background(), tr, out, func() { r.Publish("e1", boom) })

	assert.Nil(t, got)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 500, StatusOf(err))
}

func TestAwaitContextCancelled(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)
	out := Outcome{SuccessID: "s1", ErrorID: "e1"}
	r.Create("s1", Transient)
	r.Create("e1", Transient)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Await(ctx, tr, out)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 0, r.Subscribers("s1"))
}

func TestAwaitClosedTracker(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)
	r.Create("s1", Transient)
	tr.Close()

	_, err := Await(context.Background(), tr, Outcome{SuccessID: "s1", ErrorID: "e1"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAwaitChannelExpired(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)
	out := Outcome{SuccessID: "s1", ErrorID: "e1"}
	r.Create("s1", Transient)
	r.Create("e1", Transient)

	// the outcome was published before anyone listened, then its channels expire.
	r.Publish("s1", "missed")
	go func() {
		for r.Subscribers("s1") == 0 {
			time.Sleep(time.Millisecond)
		}
		r.Delete("s1")
		r.Delete("e1")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := Await(ctx, tr, out)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, 0, tr.Len())
}

func TestAwaitChannelGone(t *testing.T) {
	r := NewRegistry[any](nil)
	tr := NewTracker[any](r)

	_, err := Await(context.Background(), tr, Outcome{SuccessID: "s1", ErrorID: "e1"})
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.False(t, r.Exists("s1"))
}

func TestClientAwaitAfterExpiry(t *testing.T) {
	server := newFakeServer()
	server.answers["/items/1"] = map[string]any{"id": 1}
	c := New(server, nil, WithChannelExpiry(20*time.Millisecond))
	defer c.Close()

	tr := c.NewTracker()
	out := c.Dispatch(context.Background(), Request{Method: MethodGet, URL: "/items/1"})
	c.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Await(ctx, tr, out)
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.NoError(t, ctx.Err())
}

func TestTrackerEndScopeDuringDelivery(t *testing.T) {
	r := NewRegistry[int](nil)
	tr := NewTracker[int](r)

	var mu sync.Mutex
	calls := 0
	id := tr.Listen("ticks", func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
				r.Publish("ticks", i)
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	tr.EndScope(id)
	mu.Lock()
	atEnd := calls
	mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if calls > atEnd+1 {
		t.Errorf("want at most %d calls: got %d", atEnd+1, calls)
	}
}
