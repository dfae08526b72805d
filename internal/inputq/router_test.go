package inputq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/agentview/agentview/internal/model"
)

type sendCall struct {
	kind   string // "literal" or "confirm"
	target string
	text   string
}

type fakePane struct {
	mu    sync.Mutex
	calls []sendCall
	fail  bool
}

func (f *fakePane) SendLiteral(ctx context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("pane gone")
	}
	f.calls = append(f.calls, sendCall{kind: "literal", target: target, text: text})
	return nil
}

func (f *fakePane) SendConfirm(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("pane gone")
	}
	f.calls = append(f.calls, sendCall{kind: "confirm", target: target})
	return nil
}

func (f *fakePane) recorded() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]model.Session
}

func (f *fakeSessions) Get(id string) (model.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeSessions) setStatus(id string, status model.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.Status = status
	f.sessions[id] = s
}

func newRouter(status model.Status) (*Router, *fakePane, *fakeSessions) {
	pane := &fakePane{}
	store := &fakeSessions{sessions: map[string]model.Session{
		"s1": {ID: "s1", PaneTarget: "work:0.0", Status: status},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(pane, store, logger), pane, store
}

func TestDeliverWhenIdle(t *testing.T) {
	r, pane, _ := newRouter(model.StatusIdle)

	res, err := r.DeliverOrQueue(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("DeliverOrQueue: %v", err)
	}
	if res != Delivered {
		t.Fatalf("result = %v, want Delivered", res)
	}
	calls := pane.recorded()
	if len(calls) != 2 || calls[0].kind != "literal" || calls[0].text != "hello" || calls[1].kind != "confirm" {
		t.Fatalf("unexpected pane calls: %v", calls)
	}
}

func TestMultiLineInputSplitsIntoDiscretePairs(t *testing.T) {
	r, pane, _ := newRouter(model.StatusIdle)

	if _, err := r.DeliverOrQueue(context.Background(), "s1", "a\nb\nc"); err != nil {
		t.Fatalf("DeliverOrQueue: %v", err)
	}
	calls := pane.recorded()
	if len(calls) != 6 {
		t.Fatalf("got %d pane calls, want 6 (three literal+confirm pairs): %v", len(calls), calls)
	}
	wantTexts := []string{"a", "b", "c"}
	for i, want := range wantTexts {
		lit := calls[i*2]
		conf := calls[i*2+1]
		if lit.kind != "literal" || lit.text != want || conf.kind != "confirm" {
			t.Fatalf("pair %d wrong: %v %v", i, lit, conf)
		}
	}
}

func TestQueueWhenBusyThenFlushOnePerIdleTransition(t *testing.T) {
	r, pane, store := newRouter(model.StatusWorking)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		res, err := r.DeliverOrQueue(ctx, "s1", text)
		if err != nil {
			t.Fatalf("DeliverOrQueue(%q): %v", text, err)
		}
		if res != Queued {
			t.Fatalf("result for %q = %v, want Queued", text, res)
		}
	}
	if got := r.QueueLen("s1"); got != 3 {
		t.Fatalf("QueueLen = %d, want 3", got)
	}
	if len(pane.recorded()) != 0 {
		t.Fatal("nothing may reach the pane while busy")
	}

	store.setStatus("s1", model.StatusIdle)

	// Each idle transition releases exactly one entry, oldest first.
	released, err := r.FlushOne(ctx, "s1")
	if err != nil || !released {
		t.Fatalf("FlushOne = %v, %v", released, err)
	}
	calls := pane.recorded()
	if len(calls) != 2 || calls[0].text != "first" {
		t.Fatalf("first flush delivered wrong entry: %v", calls)
	}
	if got := r.QueueLen("s1"); got != 2 {
		t.Fatalf("QueueLen after first flush = %d, want 2", got)
	}

	if _, err := r.FlushOne(ctx, "s1"); err != nil {
		t.Fatalf("FlushOne: %v", err)
	}
	calls = pane.recorded()
	if len(calls) != 4 || calls[2].text != "second" {
		t.Fatalf("second flush delivered wrong entry: %v", calls)
	}

	if _, err := r.FlushOne(ctx, "s1"); err != nil {
		t.Fatalf("FlushOne: %v", err)
	}
	released, err = r.FlushOne(ctx, "s1")
	if err != nil {
		t.Fatalf("FlushOne on empty queue: %v", err)
	}
	if released {
		t.Fatal("empty queue must report nothing released")
	}
}

func TestFlushOneRequeuesOnDeliveryFailure(t *testing.T) {
	r, pane, store := newRouter(model.StatusWorking)
	ctx := context.Background()

	if _, err := r.DeliverOrQueue(ctx, "s1", "keep me"); err != nil {
		t.Fatalf("DeliverOrQueue: %v", err)
	}
	store.setStatus("s1", model.StatusIdle)

	pane.fail = true
	if _, err := r.FlushOne(ctx, "s1"); err == nil {
		t.Fatal("FlushOne must surface the delivery error")
	}
	if got := r.QueueLen("s1"); got != 1 {
		t.Fatalf("failed delivery must requeue, QueueLen = %d", got)
	}

	pane.fail = false
	released, err := r.FlushOne(ctx, "s1")
	if err != nil || !released {
		t.Fatalf("retry FlushOne = %v, %v", released, err)
	}
	calls := pane.recorded()
	if len(calls) == 0 || calls[0].text != "keep me" {
		t.Fatalf("requeued entry lost: %v", calls)
	}
}

func TestTypedErrorsForUnknownAndOffline(t *testing.T) {
	r, _, store := newRouter(model.StatusIdle)
	ctx := context.Background()

	if _, err := r.DeliverOrQueue(ctx, "nope", "x"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("unknown session error = %v, want ErrSessionNotFound", err)
	}

	store.setStatus("s1", model.StatusOffline)
	if _, err := r.DeliverOrQueue(ctx, "s1", "x"); !errors.Is(err, model.ErrSessionOffline) {
		t.Fatalf("offline session error = %v, want ErrSessionOffline", err)
	}
}

func TestDropDiscardsQueue(t *testing.T) {
	r, _, _ := newRouter(model.StatusWorking)
	if _, err := r.DeliverOrQueue(context.Background(), "s1", "x"); err != nil {
		t.Fatalf("DeliverOrQueue: %v", err)
	}
	r.Drop("s1")
	if got := r.QueueLen("s1"); got != 0 {
		t.Fatalf("QueueLen after Drop = %d, want 0", got)
	}
}
