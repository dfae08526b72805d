package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentview/agentview/internal/bus"
	"github.com/agentview/agentview/internal/config"
	"github.com/agentview/agentview/internal/connector"
	"github.com/agentview/agentview/internal/inputq"
	"github.com/agentview/agentview/internal/model"
	"github.com/agentview/agentview/internal/registry"
)

type fakePipeline struct {
	mu       sync.Mutex
	ops      []string
	attach   connector.AttachResult
	handlers map[string]connector.Handler
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{attach: connector.AttachSuccess, handlers: make(map[string]connector.Handler)}
}

func (f *fakePipeline) Attach(ctx context.Context, sessionID string) connector.AttachResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "attach:"+sessionID)
	return f.attach
}

func (f *fakePipeline) Detach(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "detach:"+sessionID)
}

func (f *fakePipeline) OnOutput(sessionID, owner string, h connector.Handler) connector.Registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "on:"+sessionID+":"+owner)
	f.handlers[sessionID] = h
	return connector.Registration{}
}

func (f *fakePipeline) OffOutput(reg connector.Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "off")
}

func (f *fakePipeline) DetachAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "detachAll")
}

func (f *fakePipeline) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakePipeline) emit(sessionID string, ev model.OutputEvent) {
	f.mu.Lock()
	h := f.handlers[sessionID]
	f.mu.Unlock()
	if h != nil {
		h(sessionID, ev)
	}
}

type fakePanes struct {
	mu   sync.Mutex
	ops  []string
	pane string
	err  error
}

func (f *fakePanes) SendInterrupt(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "interrupt:"+target)
	return f.err
}

func (f *fakePanes) NewSession(ctx context.Context, name, workDir, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "new:"+name+":"+workDir+":"+command)
	if f.err != nil {
		return "", f.err
	}
	return f.pane, nil
}

func (f *fakePanes) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "kill:"+name)
	return f.err
}

func (f *fakePanes) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	ended    []string
}

func newFakeStore(sessions ...model.Session) *fakeStore {
	s := &fakeStore{sessions: make(map[string]model.Session)}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *fakeStore) Get(id string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *fakeStore) Add(sess model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *fakeStore) List() []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *fakeStore) SetStatus(id string, status model.Status) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !model.ValidTransition(sess.Status, status) {
		return model.Session{}, false
	}
	sess.Status = status
	s.sessions[id] = sess
	return sess, true
}

func (s *fakeStore) End(id, reason string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	sess.Status = model.StatusOffline
	sess.EndReason = reason
	s.sessions[id] = sess
	s.ended = append(s.ended, id)
	return sess, true
}

type fakeQueue struct {
	mu      sync.Mutex
	ops     []string
	result  inputq.Result
	flushed int
}

func (q *fakeQueue) DeliverOrQueue(ctx context.Context, sessionID, text string) (inputq.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, "deliver:"+sessionID+":"+text)
	return q.result, nil
}

func (q *fakeQueue) FlushOne(ctx context.Context, sessionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushed++
	return true, nil
}

func (q *fakeQueue) Drop(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, "drop:"+sessionID)
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []model.OutputEvent
	err    error
}

func (r *fakeRecorder) Append(ctx context.Context, sessionID string, ev model.OutputEvent, retention int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

type busRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *busRecorder) record(ev bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *busRecorder) byType(typ string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	bridge *Bridge
	pipes  *fakePipeline
	panes  *fakePanes
	store  *fakeStore
	queue  *fakeQueue
	hist   *fakeRecorder
	events *busRecorder
}

func newFixture(sessions ...model.Session) *fixture {
	cfg := config.DefaultConfig()
	cfg.CommandTimeoutDuration = time.Second
	pipes := newFakePipeline()
	panes := &fakePanes{pane: "agentview-x:0.0"}
	store := newFakeStore(sessions...)
	queue := &fakeQueue{result: inputq.Delivered}
	hist := &fakeRecorder{}
	b := bus.New()
	rec := &busRecorder{}
	b.Subscribe(rec.record)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		bridge: New(cfg, pipes, panes, store, queue, b, hist, logger),
		pipes:  pipes,
		panes:  panes,
		store:  store,
		queue:  queue,
		hist:   hist,
		events: rec,
	}
}

func idleSession(id string) model.Session {
	return model.Session{ID: id, TmuxSession: "av-" + id, PaneTarget: "av-" + id + ":0.0", Status: model.StatusIdle}
}

func TestConnectAttachesOnceAndDisconnectDetachesOnLast(t *testing.T) {
	f := newFixture(idleSession("s1"))
	ctx := context.Background()

	if err := f.bridge.Connect(ctx, "s1"); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := f.bridge.Connect(ctx, "s1"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	attaches := 0
	for _, op := range f.pipes.recorded() {
		if op == "attach:s1" {
			attaches++
		}
	}
	if attaches != 1 {
		t.Fatalf("attach called %d times, want 1", attaches)
	}

	f.bridge.Disconnect("s1")
	for _, op := range f.pipes.recorded() {
		if op == "detach:s1" {
			t.Fatal("detach must wait for the last client")
		}
	}
	f.bridge.Disconnect("s1")

	ops := f.pipes.recorded()
	if ops[len(ops)-1] != "detach:s1" {
		t.Fatalf("last op = %q, want detach:s1 (ops %v)", ops[len(ops)-1], ops)
	}
}

func TestConnectErrors(t *testing.T) {
	offline := idleSession("off")
	offline.Status = model.StatusOffline
	f := newFixture(offline)

	if err := f.bridge.Connect(context.Background(), "missing"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("unknown session error = %v", err)
	}
	if err := f.bridge.Connect(context.Background(), "off"); !errors.Is(err, model.ErrSessionOffline) {
		t.Fatalf("offline session error = %v", err)
	}
}

func TestConnectPaneNotFoundEndsSession(t *testing.T) {
	f := newFixture(idleSession("s1"))
	f.pipes.attach = connector.AttachPaneNotFound

	err := f.bridge.Connect(context.Background(), "s1")
	if !errors.Is(err, model.ErrPaneNotFound) {
		t.Fatalf("error = %v, want ErrPaneNotFound", err)
	}
	sess, _ := f.store.Get("s1")
	if sess.Status != model.StatusOffline {
		t.Fatalf("session status = %q, want offline", sess.Status)
	}
	// The provisional handler must not be left behind.
	ops := f.pipes.recorded()
	if ops[len(ops)-1] != "off" {
		t.Fatalf("expected trailing handler release, ops %v", ops)
	}
}

func TestOutputEventIsRecordedRedactedAndBroadcast(t *testing.T) {
	f := newFixture(idleSession("s1"))
	if err := f.bridge.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f.pipes.emit("s1", model.OutputEvent{Kind: model.EventMessage, Text: "your api_key=sk-123 is set"})

	f.hist.mu.Lock()
	stored := append([]model.OutputEvent{}, f.hist.events...)
	f.hist.mu.Unlock()
	if len(stored) != 1 {
		t.Fatalf("recorded %d events, want 1", len(stored))
	}
	if strings.Contains(stored[0].Text, "sk-123") {
		t.Fatalf("secret survived into history: %q", stored[0].Text)
	}

	out := f.events.byType(bus.TypeOutputEvent)
	if len(out) != 1 || out[0].SessionID != "s1" {
		t.Fatalf("broadcasts = %v", out)
	}
	payload, ok := out[0].Payload.(model.OutputEvent)
	if !ok || strings.Contains(payload.Text, "sk-123") {
		t.Fatalf("broadcast payload wrong: %#v", out[0].Payload)
	}
}

func TestIdleTransitionReleasesOneQueuedEntry(t *testing.T) {
	working := idleSession("s1")
	working.Status = model.StatusWorking
	f := newFixture(working)
	if err := f.bridge.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f.pipes.emit("s1", model.OutputEvent{Kind: model.EventStatus, Status: model.StatusIdle})

	f.queue.mu.Lock()
	flushed := f.queue.flushed
	f.queue.mu.Unlock()
	if flushed != 1 {
		t.Fatalf("FlushOne called %d times, want 1", flushed)
	}

	changes := f.events.byType(bus.TypeStatusChange)
	if len(changes) != 1 {
		t.Fatalf("status_change broadcasts = %d, want 1", len(changes))
	}
	sc, ok := changes[0].Payload.(StatusChange)
	if !ok || sc.From != model.StatusWorking || sc.To != model.StatusIdle {
		t.Fatalf("status change payload = %#v", changes[0].Payload)
	}
	if got := f.events.byType(bus.TypeSessionUpdate); len(got) != 1 {
		t.Fatalf("session_update broadcasts = %d, want 1", len(got))
	}
}

func TestOfflineStatusCleansUp(t *testing.T) {
	f := newFixture(idleSession("s1"))
	if err := f.bridge.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f.pipes.emit("s1", model.OutputEvent{Kind: model.EventStatus, Status: model.StatusOffline})

	found := false
	dropped := false
	for _, op := range f.pipes.recorded() {
		if op == "off" {
			found = true
		}
	}
	f.queue.mu.Lock()
	queueOps := append([]string{}, f.queue.ops...)
	f.queue.mu.Unlock()
	for _, op := range queueOps {
		if op == "drop:s1" {
			dropped = true
		}
	}
	if !found {
		t.Fatal("offline must release the bridge handler")
	}
	if !dropped {
		t.Fatal("offline must drop the session's input queue")
	}

	sess, _ := f.store.Get("s1")
	if sess.Status != model.StatusOffline || sess.EndReason == "" {
		t.Fatalf("offline session not ended: %+v", sess)
	}
	changes := f.events.byType(bus.TypeStatusChange)
	if len(changes) != 1 {
		t.Fatalf("status_change broadcasts = %d, want 1", len(changes))
	}
	if sc, ok := changes[0].Payload.(StatusChange); !ok || sc.To != model.StatusOffline {
		t.Fatalf("status change payload = %#v", changes[0].Payload)
	}

	// A later disconnect for the gone session is a no-op.
	f.bridge.Disconnect("s1")
	for _, op := range f.pipes.recorded() {
		if op == "detach:s1" {
			t.Fatal("no detach expected after offline cleanup")
		}
	}
}

func TestKillDetachesBeforeKilling(t *testing.T) {
	f := newFixture(idleSession("s1"))
	if err := f.bridge.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := f.bridge.Kill(context.Background(), "s1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	// Pipe teardown happens before the tmux kill.
	var detachSeen bool
	for _, op := range f.pipes.recorded() {
		if op == "detach:s1" {
			detachSeen = true
		}
	}
	if !detachSeen {
		t.Fatal("Kill must detach the pipe")
	}
	panesOps := f.panes.recorded()
	if len(panesOps) == 0 || panesOps[len(panesOps)-1] != "kill:av-s1" {
		t.Fatalf("tmux kill missing: %v", panesOps)
	}
	sess, _ := f.store.Get("s1")
	if sess.Status != model.StatusOffline || sess.EndReason != "killed" {
		t.Fatalf("session not ended: %+v", sess)
	}
}

func TestCreateSessionSpawnsAndAnnounces(t *testing.T) {
	f := newFixture()

	sess, err := f.bridge.CreateSession(context.Background(), "fix the parser", "/tmp/proj")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" || sess.PaneTarget != "agentview-x:0.0" || sess.Status != model.StatusIdle {
		t.Fatalf("created session wrong: %+v", sess)
	}
	if _, ok := f.store.Get(sess.ID); !ok {
		t.Fatal("session not recorded")
	}
	ops := f.panes.recorded()
	if len(ops) != 1 || !strings.HasSuffix(ops[0], ":/tmp/proj:claude") {
		t.Fatalf("spawn call wrong: %v", ops)
	}
	if got := f.events.byType(bus.TypeSessionUpdate); len(got) != 1 {
		t.Fatalf("session_update broadcasts = %d, want 1", len(got))
	}
}

func TestShutdownReleasesHandlersBeforeDetaching(t *testing.T) {
	f := newFixture(idleSession("s1"), idleSession("s2"))
	ctx := context.Background()
	if err := f.bridge.Connect(ctx, "s1"); err != nil {
		t.Fatalf("Connect s1: %v", err)
	}
	if err := f.bridge.Connect(ctx, "s2"); err != nil {
		t.Fatalf("Connect s2: %v", err)
	}

	f.bridge.Shutdown()

	ops := f.pipes.recorded()
	if ops[len(ops)-1] != "detachAll" {
		t.Fatalf("detachAll must come last: %v", ops)
	}
	offs := 0
	for _, op := range ops[:len(ops)-1] {
		if op == "off" {
			offs++
		}
	}
	if offs < 2 {
		t.Fatalf("expected both handlers released before detachAll, got %d", offs)
	}
}

// flakySource serves one good baseline capture, then fails every poll.
type flakySource struct {
	mu       sync.Mutex
	captures int
}

func (f *flakySource) PaneExists(ctx context.Context, target string) bool { return true }

func (f *flakySource) CapturePane(ctx context.Context, target string, scrollback int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.captures == 1 {
		return []string{"> "}, nil
	}
	return nil, errors.New("no server running")
}

type paneStub struct{}

func (paneStub) SendLiteral(ctx context.Context, target, text string) error { return nil }
func (paneStub) SendConfirm(ctx context.Context, target string) error       { return nil }

// A dying pane must surface through the whole pipeline, not just the fakes:
// real connector, real registry, real router, with the bridge wired between
// them the way the daemon wires them.
func TestSustainedCaptureFailureEndsSessionEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PollIntervalDuration = 5 * time.Millisecond
	cfg.CaptureFailLimit = 2
	cfg.CommandTimeoutDuration = time.Second
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New(filepath.Join(t.TempDir(), "sessions.json"), 10*time.Millisecond, logger)
	t.Cleanup(func() { reg.Close() }) //nolint:errcheck
	sess := idleSession("s1")
	sess.Status = model.StatusWorking
	sess.CreatedAt = time.Now().UTC()
	reg.Add(sess)

	pipes := connector.New(cfg, &flakySource{}, reg, logger)
	router := inputq.New(paneStub{}, reg, logger)
	events := bus.New()
	rec := &busRecorder{}
	events.Subscribe(rec.record)
	b := New(cfg, pipes, &fakePanes{}, reg, router, events, nil, logger)

	if err := b.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res, err := router.DeliverOrQueue(context.Background(), "s1", "held back"); err != nil || res != inputq.Queued {
		t.Fatalf("queue input: result=%v err=%v", res, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, _ := reg.Get("s1"); got.Status == model.StatusOffline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never went offline")
		}
		time.Sleep(2 * time.Millisecond)
	}

	got, _ := reg.Get("s1")
	if got.EndedAt == nil || got.EndReason == "" {
		t.Fatalf("termination not stamped: %+v", got)
	}
	changes := rec.byType(bus.TypeStatusChange)
	if len(changes) != 1 {
		t.Fatalf("status_change broadcasts = %d, want 1", len(changes))
	}
	if sc, ok := changes[0].Payload.(StatusChange); !ok || sc.From != model.StatusWorking || sc.To != model.StatusOffline {
		t.Fatalf("status change payload = %#v", changes[0].Payload)
	}
	if n := router.QueueLen("s1"); n != 0 {
		t.Fatalf("input queue survived offline with %d entries", n)
	}
	if n := pipes.HandlerCount("s1"); n != 0 {
		t.Fatalf("%d handler registrations leaked past offline", n)
	}
}

func TestInterrupt(t *testing.T) {
	f := newFixture(idleSession("s1"))
	if err := f.bridge.Interrupt(context.Background(), "s1"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	ops := f.panes.recorded()
	if len(ops) != 1 || ops[0] != "interrupt:av-s1:0.0" {
		t.Fatalf("interrupt call wrong: %v", ops)
	}
	if err := f.bridge.Interrupt(context.Background(), "missing"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("unknown session error = %v", err)
	}
}
