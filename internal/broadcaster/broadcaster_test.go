package broadcaster

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sjawhar/wispr-broadcast/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "wb")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "m.sock")
}

func startBroadcaster(t *testing.T, opts Options) (*Broadcaster, string) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	b := New(opts)
	path := socketPath(t)
	if err := b.Start(path); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b, path
}

func syncB(t *testing.T, b *Broadcaster) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, path string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) next(t *testing.T) events.Event {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	e, err := events.Decode(line)
	if err != nil {
		t.Fatalf("decode %q failed: %v", line, err)
	}
	return e
}

func (c *testClient) read(t *testing.T, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	for _i := 0; _i < n; _i++ {
		out = append(out, c.next(t))
	}
	return out
}

func (c *testClient) expectQuiet(t *testing.T) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	line, err := c.r.ReadBytes('\n')
	if err == nil {
		t.Fatalf("expected no further events, got %s", line)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, err := c.r.ReadBytes('\n')
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("expected connection to be closed, read timed out")
			}
		}
		return
	}
}

func TestStartStopLifecycle(t *testing.T) {
	b := New(Options{Logger: discardLogger()})
	path := socketPath(t)

	if b.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", b.State())
	}
	if err := b.Start(path); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if b.State() != StateRunning {
		t.Fatalf("expected running, got %s", b.State())
	}
	if fi, err := os.Lstat(path); err != nil || fi.Mode()&os.ModeSocket == 0 {
		t.Fatalf("expected socket file at %s: %v", path, err)
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Fatalf("expected socket file removed, got %v", err)
	}
	if err := b.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted on second stop, got %v", err)
	}
}

func TestStartTwiceKeepsClients(t *testing.T) {
	b, path := startBroadcaster(t, Options{})
	client := dial(t, path)
	client.read(t, 1)

	if err := b.Start(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := b.Start(socketPath(t)); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning for another path, got %v", err)
	}
	if b.ClientCount() != 1 {
		t.Fatalf("expected client to stay connected, got %d", b.ClientCount())
	}

	if err := b.BroadcastStateChange(context.Background(), events.StateRecording); err != nil {
		t.Fatalf("BroadcastStateChange failed: %v", err)
	}
	sc, ok := client.next(t).(events.StateChange)
	if !ok || sc.State != events.StateRecording {
		t.Fatalf("expected live state_change, got %+v", sc)
	}
}

func TestProducerCallsRequireRunning(t *testing.T) {
	b := New(Options{Logger: discardLogger()})
	ctx := context.Background()

	checks := map[string]error{
		"start_session":     b.StartSession(ctx, 1),
		"end_session":       b.EndSession(ctx, 1),
		"add_transcription": b.AddTranscription(ctx, "x", 1, 1, 1),
		"update_metrics":    b.UpdateMetrics(ctx, events.MetricsSnapshot{State: events.StateIdle}),
		"state_change":      b.BroadcastStateChange(ctx, events.StateRecording),
		"sync":              b.Sync(ctx),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrNotStarted) {
			t.Errorf("%s: expected ErrNotStarted, got %v", name, err)
		}
	}
	if b.BufferSize() != 0 {
		t.Fatalf("expected nothing buffered, got %d", b.BufferSize())
	}
}

func TestCatchUpScenarioAcrossSessionEnd(t *testing.T) {
	b, path := startBroadcaster(t, Options{})
	ctx := context.Background()

	if err := b.StartSession(ctx, 1); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := b.AddTranscription(ctx, "hello world", 120.0, 200.0, 2); err != nil {
		t.Fatalf("AddTranscription failed: %v", err)
	}
	syncB(t, b)

	a := dial(t, path)
	aCatchUp := a.read(t, 3)
	if !equalKinds(kinds(aCatchUp), []events.Kind{events.KindStateChange, events.KindSessionStart, events.KindTranscription}) {
		t.Fatalf("unexpected catch-up for A: %v", kinds(aCatchUp))
	}
	tr := aCatchUp[2].(events.Transcription)
	if tr.Text != "hello world" || tr.WPM != 120.0 || tr.LatencyMs != 200.0 || tr.Words != 2 {
		t.Fatalf("unexpected segment: %+v", tr)
	}
	if aCatchUp[1].(events.SessionStart).SessionID != 1 {
		t.Fatalf("unexpected session_start: %+v", aCatchUp[1])
	}
	a.expectQuiet(t)

	if err := b.EndSession(ctx, 1); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	syncB(t, b)

	client := dial(t, path)
	bCatchUp := client.read(t, 4)
	want := []events.Kind{events.KindStateChange, events.KindSessionStart, events.KindTranscription, events.KindSessionEnd}
	if !equalKinds(kinds(bCatchUp), want) {
		t.Fatalf("expected %v for B, got %v", want, kinds(bCatchUp))
	}
	if bCatchUp[2].(events.Transcription).Text != "hello world" {
		t.Fatalf("unexpected segment for B: %+v", bCatchUp[2])
	}
	if bCatchUp[3].(events.SessionEnd).SessionID != 1 {
		t.Fatalf("unexpected session_end for B: %+v", bCatchUp[3])
	}
	client.expectQuiet(t)

	end, ok := a.next(t).(events.SessionEnd)
	if !ok || end.SessionID != 1 {
		t.Fatalf("expected live session_end for A, got %+v", end)
	}
	a.expectQuiet(t)
}

func TestCatchUpAfterMismatchedEndKeepsSessionID(t *testing.T) {
	b, path := startBroadcaster(t, Options{})
	ctx := context.Background()

	live := dial(t, path)
	live.read(t, 1)

	_ = b.StartSession(ctx, 2)
	_ = b.AddTranscription(ctx, "spoken", 1, 1, 1)
	_ = b.EndSession(ctx, 1)
	syncB(t, b)

	liveGot := live.read(t, 3)
	if start, ok := liveGot[0].(events.SessionStart); !ok || start.SessionID != 2 {
		t.Fatalf("expected live session_start 2, got %+v", liveGot[0])
	}

	late := dial(t, path)
	got := late.read(t, 4)
	want := []events.Kind{events.KindStateChange, events.KindSessionStart, events.KindTranscription, events.KindSessionEnd}
	if !equalKinds(kinds(got), want) {
		t.Fatalf("expected %v, got %v", want, kinds(got))
	}
	if start := got[1].(events.SessionStart); start.SessionID != 2 {
		t.Fatalf("expected catch-up session_start 2 as live clients saw, got %+v", start)
	}
	if end := got[3].(events.SessionEnd); end.SessionID != 2 {
		t.Fatalf("expected catch-up session_end for tracked session 2, got %+v", end)
	}
	late.expectQuiet(t)
}

func TestCatchUpStateBeforeMetrics(t *testing.T) {
	b, path := startBroadcaster(t, Options{})
	ctx := context.Background()

	sid := int64(3)
	snapshot := events.MetricsSnapshot{State: events.StateRecording, SessionID: &sid, Segments: 2, Words: 10, WPM: 140}
	if err := b.BroadcastStateChange(ctx, events.StateRecording); err != nil {
		t.Fatalf("BroadcastStateChange failed: %v", err)
	}
	if err := b.UpdateMetrics(ctx, snapshot); err != nil {
		t.Fatalf("UpdateMetrics failed: %v", err)
	}
	syncB(t, b)

	client := dial(t, path)
	got := client.read(t, 2)
	sc, ok := got[0].(events.StateChange)
	if !ok || sc.State != events.StateRecording {
		t.Fatalf("expected state_change recording first, got %+v", got[0])
	}
	mu, ok := got[1].(events.MetricsUpdate)
	if !ok || mu.Words != 10 || mu.SessionID == nil || *mu.SessionID != 3 {
		t.Fatalf("expected metrics_update second, got %+v", got[1])
	}
	client.expectQuiet(t)
}

func TestCatchUpReproducesSegmentsInCallOrder(t *testing.T) {
	b, path := startBroadcaster(t, Options{})
	ctx := context.Background()

	texts := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	if err := b.StartSession(ctx, 10); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	for i, text := range texts {
		if err := b.AddTranscription(ctx, text, float64(100+i), 50, 1); err != nil {
			t.Fatalf("AddTranscription failed: %v", err)
		}
	}
	syncB(t, b)

	client := dial(t, path)
	got := client.read(t, 2+len(texts))
	for i, text := range texts {
		tr, ok := got[2+i].(events.Transcription)
		if !ok || tr.Text != text || tr.WPM != float64(100+i) {
			t.Fatalf("segment %d: expected %q, got %+v", i, text, got[2+i])
		}
	}
	client.expectQuiet(t)
}

func TestStartSessionClearsUnendedSession(t *testing.T) {
	b, path := startBroadcaster(t, Options{})
	ctx := context.Background()

	_ = b.StartSession(ctx, 1)
	_ = b.AddTranscription(ctx, "old", 1, 1, 1)
	_ = b.StartSession(ctx, 2)
	_ = b.AddTranscription(ctx, "new", 1, 1, 1)
	syncB(t, b)

	if b.BufferSize() != 1 {
		t.Fatalf("expected 1 buffered segment, got %d", b.BufferSize())
	}

	client := dial(t, path)
	got := client.read(t, 3)
	if got[1].(events.SessionStart).SessionID != 2 {
		t.Fatalf("expected session 2, got %+v", got[1])
	}
	if got[2].(events.Transcription).Text != "new" {
		t.Fatalf("expected only the new segment, got %+v", got[2])
	}
	client.expectQuiet(t)
}

func TestLiveEventsReachEveryClientInOrder(t *testing.T) {
	b, path := startBroadcaster(t, Options{})
	ctx := context.Background()

	clients := []*testClient{dial(t, path), dial(t, path), dial(t, path)}
	for _, c := range clients {
		c.read(t, 1)
	}
	if b.ClientCount() != 3 {
		t.Fatalf("expected 3 clients, got %d", b.ClientCount())
	}

	_ = b.StartSession(ctx, 5)
	_ = b.AddTranscription(ctx, "one", 1, 1, 1)
	_ = b.BroadcastStateChange(ctx, events.StateProcessing)
	_ = b.AddTranscription(ctx, "two", 1, 1, 1)
	_ = b.EndSession(ctx, 5)

	want := []events.Kind{
		events.KindSessionStart,
		events.KindTranscription,
		events.KindStateChange,
		events.KindTranscription,
		events.KindSessionEnd,
	}
	for i, c := range clients {
		got := c.read(t, len(want))
		if !equalKinds(kinds(got), want) {
			t.Fatalf("client %d: expected %v, got %v", i, want, kinds(got))
		}
		if got[1].(events.Transcription).Text != "one" || got[3].(events.Transcription).Text != "two" {
			t.Fatalf("client %d: transcriptions out of order", i)
		}
	}
}

func TestDisconnectedClientIsUnregistered(t *testing.T) {
	b, path := startBroadcaster(t, Options{})

	gone := dial(t, path)
	stay := dial(t, path)
	gone.read(t, 1)
	stay.read(t, 1)

	_ = gone.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client after disconnect, got %d", b.ClientCount())
	}

	if err := b.AddTranscription(context.Background(), "still here", 1, 1, 1); err != nil {
		t.Fatalf("AddTranscription failed: %v", err)
	}
	if tr, ok := stay.next(t).(events.Transcription); !ok || tr.Text != "still here" {
		t.Fatalf("expected remaining client to get event, got %+v", tr)
	}
}

func TestStopDisconnectsClientsAndKeepsBuffer(t *testing.T) {
	b := New(Options{Logger: discardLogger()})
	path := socketPath(t)
	if err := b.Start(path); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctx := context.Background()

	_ = b.StartSession(ctx, 8)
	_ = b.AddTranscription(ctx, "survives restart", 1, 1, 1)
	syncB(t, b)

	client := dial(t, path)
	client.read(t, 3)

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	client.expectClosed(t)
	if b.ClientCount() != 0 {
		t.Fatalf("expected registry cleared, got %d", b.ClientCount())
	}

	if err := b.Start(path); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer func() { _ = b.Stop() }()

	again := dial(t, path)
	got := again.read(t, 3)
	if tr, ok := got[2].(events.Transcription); !ok || tr.Text != "survives restart" {
		t.Fatalf("expected buffered segment after restart, got %+v", got[2])
	}
}

func TestSerializationFailureIsReportedAndNotBuffered(t *testing.T) {
	b, path := startBroadcaster(t, Options{})
	client := dial(t, path)
	client.read(t, 1)

	err := b.AddTranscription(context.Background(), "bad", math.NaN(), 1, 1)
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
	if err := b.BroadcastStateChange(context.Background(), events.DaemonState("sleeping")); !errors.Is(err, ErrSerialization) {
		t.Fatalf("expected ErrSerialization for unknown state, got %v", err)
	}
	syncB(t, b)
	if b.BufferSize() != 0 {
		t.Fatalf("expected nothing buffered, got %d", b.BufferSize())
	}

	if err := b.AddTranscription(context.Background(), "good", 1, 1, 1); err != nil {
		t.Fatalf("AddTranscription failed: %v", err)
	}
	if tr, ok := client.next(t).(events.Transcription); !ok || tr.Text != "good" {
		t.Fatalf("expected subsequent event delivered, got %+v", tr)
	}
}

func TestUpdateMetricsRejectsUnknownState(t *testing.T) {
	b, path := startBroadcaster(t, Options{})
	client := dial(t, path)
	client.read(t, 1)
	ctx := context.Background()

	for _, state := range []events.DaemonState{"bogus", ""} {
		err := b.UpdateMetrics(ctx, events.MetricsSnapshot{State: state, Words: 4})
		if !errors.Is(err, ErrSerialization) {
			t.Fatalf("state %q: expected ErrSerialization, got %v", state, err)
		}
	}
	syncB(t, b)
	if b.Snapshot().Metrics != nil {
		t.Fatalf("expected no metrics buffered, got %+v", b.Snapshot().Metrics)
	}
	client.expectQuiet(t)

	validator, err := events.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	if err := b.UpdateMetrics(ctx, events.MetricsSnapshot{State: events.StateProcessing, Words: 4}); err != nil {
		t.Fatalf("UpdateMetrics failed: %v", err)
	}
	_ = client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := client.r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := validator.Validate(line); err != nil {
		t.Fatalf("expected metrics_update to match the wire schema: %v", err)
	}
}

func TestStopLeavesSocketOfNewOwner(t *testing.T) {
	first := New(Options{Logger: discardLogger()})
	path := socketPath(t)
	if err := first.Start(path); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	second := New(Options{Logger: discardLogger()})
	if err := second.Start(path); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	defer func() { _ = second.Stop() }()

	if err := first.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if fi, err := os.Lstat(path); err != nil || fi.Mode()&os.ModeSocket == 0 {
		t.Fatalf("expected second owner's socket to remain: %v", err)
	}
	client := dial(t, path)
	if _, ok := client.next(t).(events.StateChange); !ok {
		t.Fatal("expected catch-up from second owner")
	}
}

func TestStartRejectsUnusablePaths(t *testing.T) {
	b := New(Options{Logger: discardLogger()})

	missing := filepath.Join(socketPath(t), "nested", "m.sock")
	if err := b.Start(missing); !errors.Is(err, ErrSocketPath) {
		t.Fatalf("expected ErrSocketPath for missing parent, got %v", err)
	}
	if err := b.Start(""); !errors.Is(err, ErrSocketPath) {
		t.Fatalf("expected ErrSocketPath for empty path, got %v", err)
	}

	regular := socketPath(t)
	if err := os.WriteFile(regular, []byte("not a socket"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := b.Start(regular); !errors.Is(err, ErrSocketPath) {
		t.Fatalf("expected ErrSocketPath for regular file, got %v", err)
	}
	if b.State() != StateStopped {
		t.Fatalf("expected stopped after failed start, got %s", b.State())
	}
}

func TestStartRefusesLiveSocket(t *testing.T) {
	_, path := startBroadcaster(t, Options{})

	other := New(Options{Logger: discardLogger()})
	if err := other.Start(path); !errors.Is(err, ErrSocketPath) {
		t.Fatalf("expected ErrSocketPath for socket in use, got %v", err)
	}
	if other.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", other.State())
	}
}

func TestStartReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	ln.SetUnlinkOnClose(false)
	_ = ln.Close()
	if _, err := os.Lstat(path); err != nil {
		t.Fatalf("expected stale socket file to remain: %v", err)
	}

	b := New(Options{Logger: discardLogger()})
	if err := b.Start(path); err != nil {
		t.Fatalf("expected stale socket to be replaced, got %v", err)
	}
	defer func() { _ = b.Stop() }()

	client := dial(t, path)
	client.read(t, 1)
}

func TestSyncHonorsContext(t *testing.T) {
	b, _ := startBroadcaster(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Sync(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected nil or context.Canceled, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		State(9):      "state(9)",
	} {
		if got := state.String(); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}
