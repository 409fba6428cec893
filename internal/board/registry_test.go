package board

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestRegistry_ResubscribeReplaces(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewRegistry(nil)
	defer r.Close()

	var first, second atomic.Int32
	r.Subscribe("T", "row-1", "task-row", func(context.Context, Event) { first.Add(1) })
	r.Subscribe("T", "row-1", "task-row", func(context.Context, Event) { second.Add(1) })
	r.Subscribe("T", "row-1", "task-row", func(context.Context, Event) { second.Add(1) })
	require.Equal(t, 1, r.Len())

	r.Dispatch(Event{Kind: FieldChanged, Table: "T", RowID: "row-1"})
	waitFor(t, time.Second, func() bool { return second.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestRegistry_RoutesByKind(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewRegistry(nil)
	defer r.Close()

	var mu sync.Mutex
	var table, row []EventKind
	r.Subscribe("T", "", "rows", func(_ context.Context, e Event) {
		mu.Lock()
		table = append(table, e.Kind)
		mu.Unlock()
	})
	r.Subscribe("T", "a", "task-row", func(_ context.Context, e Event) {
		mu.Lock()
		row = append(row, e.Kind)
		mu.Unlock()
	})
	r.Subscribe("L", "", "rows", func(context.Context, Event) { t.Error("other table must not see events") })

	r.Dispatch(Event{Kind: RowAdded, Table: "T", RowID: "b"})
	r.Dispatch(Event{Kind: FieldChanged, Table: "T", RowID: "a"})
	r.Dispatch(Event{Kind: FieldChanged, Table: "T", RowID: "b"})
	r.Dispatch(Event{Kind: RowRemoved, Table: "T", RowID: "a"})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(table) == 2 && len(row) == 1
	})
	mu.Lock()
	assert.Equal(t, []EventKind{RowAdded, RowRemoved}, table)
	assert.Equal(t, []EventKind{FieldChanged}, row)
	mu.Unlock()
	// row level subscription of the removed row is gone
	waitFor(t, time.Second, func() bool { return r.Len() == 2 })
}

func TestRegistry_PreservesOrderPerSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewRegistry(nil)
	defer r.Close()

	var mu sync.Mutex
	var got []string
	r.Subscribe("T", "a", "s", func(_ context.Context, e Event) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, e.Changes[0].Field)
		mu.Unlock()
	})
	want := []string{"f1", "f2", "f3", "f4", "f5"}
	for _, f := range want {
		r.Dispatch(Event{Kind: FieldChanged, Table: "T", RowID: "a", Changes: []Change{{Field: f}}})
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	})
	assert.Equal(t, want, got)
}

func TestRegistry_HandlerPanicKeepsServing(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewRegistry(nil)
	defer r.Close()

	var calls atomic.Int32
	r.Subscribe("T", "a", "s", func(context.Context, Event) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})
	r.Dispatch(Event{Kind: FieldChanged, Table: "T", RowID: "a"})
	r.Dispatch(Event{Kind: FieldChanged, Table: "T", RowID: "a"})
	waitFor(t, time.Second, func() bool { return calls.Load() == 2 })
}

func TestRegistry_UnsubscribeCancelsContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewRegistry(nil)
	defer r.Close()

	entered := make(chan struct{})
	left := make(chan struct{})
	r.Subscribe("T", "a", "s", func(ctx context.Context, _ Event) {
		close(entered)
		<-ctx.Done()
		close(left)
	})
	r.Dispatch(Event{Kind: FieldChanged, Table: "T", RowID: "a"})
	<-entered
	r.Unsubscribe("T", "a", "s")
	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
	assert.Equal(t, 0, r.Len())
}

func TestDiff(t *testing.T) {
	old := Fields{"name": "demo", "run": false, "status": "Activated"}
	cur := Fields{"name": "demo", "run": true, "status": "Activated", "kill": false}
	ch := Diff(old, cur)
	require.Len(t, ch, 2)
	assert.Equal(t, Change{Field: "kill", Old: nil, New: false}, ch[0])
	assert.Equal(t, Change{Field: "run", Old: false, New: true}, ch[1])
	assert.Empty(t, Diff(cur, cur.Clone()))
}

func TestRowAccessors(t *testing.T) {
	r := Row{Fields: Fields{"name": "demo", "run": true, "kill": "TRUE", "autorun": "no", "n": 3.0}}
	assert.Equal(t, "demo", r.Name())
	assert.True(t, r.Bool("run"))
	assert.True(t, r.Bool("kill"))
	assert.False(t, r.Bool("autorun"))
	assert.False(t, r.Bool("missing"))
	assert.Equal(t, "3", r.String("n"))
	assert.Equal(t, "", r.String("missing"))
}
