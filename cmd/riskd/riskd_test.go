package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/riomobi/transitrisk/engine/batch"
	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/ingest"
	"github.com/riomobi/transitrisk/pkg/natsutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeLoader struct {
	mu       sync.Mutex
	calls    []string
	inserted int
	err      error
}

func (f *fakeLoader) LoadFile(_ context.Context, path string) (ingest.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, filepath.Base(path))
	if f.err != nil {
		return ingest.Report{}, f.err
	}
	return ingest.Report{Source: filepath.Base(path), Summary: domain.Summary{Inserted: f.inserted}}, nil
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInboxScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.csv", "x")
	writeFile(t, dir, "a.CSV", "x")
	writeFile(t, dir, "notes.txt", "x")
	writeFile(t, dir, ".hidden.csv", "x")

	loader := &fakeLoader{inserted: 2}
	var notified []string
	in := newInbox(dir, loader, discard, func(_ context.Context, rep ingest.Report) {
		notified = append(notified, rep.Source)
	})

	if n := in.Scan(context.Background()); n != 2 {
		t.Fatalf("loaded %d files, want 2", n)
	}
	if len(loader.calls) != 2 || loader.calls[0] != "a.CSV" || loader.calls[1] != "b.csv" {
		t.Fatalf("calls: %v", loader.calls)
	}
	if len(notified) != 2 {
		t.Fatalf("notified: %v", notified)
	}

	if n := in.Scan(context.Background()); n != 0 {
		t.Fatalf("rescan loaded %d files", n)
	}

	// state survives a restart
	again := newInbox(dir, loader, discard, nil)
	if n := again.Scan(context.Background()); n != 0 {
		t.Fatalf("restart reloaded %d files", n)
	}
}

func TestInboxScan_NoNewComplaintsNoTrigger(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dup.csv", "x")
	called := false
	in := newInbox(dir, &fakeLoader{inserted: 0}, discard, func(context.Context, ingest.Report) { called = true })
	in.Scan(context.Background())
	if called {
		t.Fatal("a file with only duplicates must not trigger a run")
	}
}

func TestInboxScan_FailureRetried(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.csv", "x")
	loader := &fakeLoader{err: domain.ErrSchema}
	in := newInbox(dir, loader, discard, nil)

	if n := in.Scan(context.Background()); n != 0 {
		t.Fatalf("loaded %d", n)
	}
	loader.err = nil
	if n := in.Scan(context.Background()); n != 1 {
		t.Fatalf("retry loaded %d", n)
	}
}

func TestInboxWatch_PicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	loader := &fakeLoader{inserted: 1}
	got := make(chan string, 1)
	in := newInbox(dir, loader, discard, func(_ context.Context, rep ingest.Report) { got <- rep.Source })
	in.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "new.csv", "x")

	select {
	case src := <-got:
		if src != "new.csv" {
			t.Fatalf("source %q", src)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for inbox load")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

type fakeRunner struct {
	err error
}

func (f fakeRunner) Run(_ context.Context, t batch.Trigger) (batch.Summary, error) {
	sum := batch.Summary{RunID: "run-1", Reason: t.Reason, Analyzed: t.Analyze}
	if f.err != nil {
		sum.Error = f.err.Error()
	}
	return sum, f.err
}

func TestSubscribeRuns_PublishesSummary(t *testing.T) {
	nc := startNATS(t)
	summaries := make(chan batch.Summary, 1)
	s, err := natsutil.Subscribe(nc, batch.SubjectCompleted, func(_ context.Context, sum batch.Summary) { summaries <- sum })
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unsubscribe()

	sub, err := subscribeRuns(nc, fakeRunner{}, discard)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	trigger := triggerOnLoad(nc, discard)
	trigger(context.Background(), ingest.Report{Source: "inbox.csv"})

	select {
	case sum := <-summaries:
		if sum.RunID != "run-1" || sum.Reason != "inbox inbox.csv" || !sum.Analyzed {
			t.Fatalf("summary: %+v", sum)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for run summary")
	}
}

func TestSubscribeRuns_FailedRunDeadLettered(t *testing.T) {
	nc := startNATS(t)
	dead := make(chan natsutil.DeadLetter[batch.Trigger], 1)
	d, err := natsutil.Subscribe(nc, SubjectDLQ, func(_ context.Context, dl natsutil.DeadLetter[batch.Trigger]) { dead <- dl })
	if err != nil {
		t.Fatal(err)
	}
	defer d.Unsubscribe()

	sub, err := subscribeRuns(nc, fakeRunner{err: errors.New("computation error: empty graph")}, discard)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := natsutil.Publish(context.Background(), nc, batch.SubjectTrigger, batch.Trigger{Reason: "nightly", Analyze: true}); err != nil {
		t.Fatal(err)
	}
	select {
	case dl := <-dead:
		if dl.Message.Reason != "nightly" || dl.Retries != 3 {
			t.Fatalf("dead letter: %+v", dl)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for dead letter")
	}
}
