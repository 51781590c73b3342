package natsutil

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type trigger struct {
	Reason  string `json:"reason"`
	Analyze bool   `json:"analyze"`
}

func startTestNATS(t *testing.T) *nats.Conn {
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

func TestTraceContextCrossesSubjects(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	nc := startTestNATS(t)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	got := make(chan trace.SpanContext, 1)
	sub, err := Subscribe(nc, "traced", func(ctx context.Context, _ trigger) {
		got <- trace.SpanContextFromContext(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(ctx, nc, "traced", trigger{Reason: "cli"}); err != nil {
		t.Fatal(err)
	}
	select {
	case remote := <-got:
		if remote.TraceID() != sc.TraceID() || !remote.IsRemote() {
			t.Fatalf("trace not propagated: %v", remote.TraceID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestRetries(t *testing.T) {
	if n := Retries(&nats.Msg{}); n != 0 {
		t.Errorf("no header: %d", n)
	}
	msg := nats.NewMsg("x")
	msg.Header.Set(RetryHeader, "2")
	if n := Retries(msg); n != 2 {
		t.Errorf("got %d", n)
	}
}

func TestPublishSubscribe(t *testing.T) {
	nc := startTestNATS(t)

	ch := make(chan trigger, 1)
	sub, err := Subscribe(nc, "riskgraph.run", func(_ context.Context, v trigger) { ch <- v })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "riskgraph.run", trigger{Reason: "inbox", Analyze: true}); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-ch:
		if v.Reason != "inbox" || !v.Analyze {
			t.Fatalf("unexpected: %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSubscribeSkipsUndecodable(t *testing.T) {
	nc := startTestNATS(t)

	called := make(chan struct{}, 1)
	sub, err := Subscribe(nc, "bad", func(context.Context, trigger) { called <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	nc.Publish("bad", []byte("{bad"))
	nc.Flush()

	select {
	case <-called:
		t.Fatal("handler should not be called for malformed data")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMarshalErrors(t *testing.T) {
	nc := startTestNATS(t)

	if err := Publish(context.Background(), nc, "x", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestConsume_RetriesThenDeadLetters(t *testing.T) {
	nc := startTestNATS(t)

	dlq := make(chan DeadLetter[trigger], 1)
	dsub, err := Subscribe(nc, "runs.dlq", func(_ context.Context, d DeadLetter[trigger]) { dlq <- d })
	if err != nil {
		t.Fatal(err)
	}
	defer dsub.Unsubscribe()

	var attempts atomic.Int32
	sub, err := Consume(nc, "runs", ConsumeOpts{MaxRetries: 3, DLQSubject: "runs.dlq"},
		func(context.Context, trigger) error {
			attempts.Add(1)
			return errors.New("graph store down")
		})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "runs", trigger{Reason: "nightly"}); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-dlq:
		if d.Retries != 3 || d.Message.Reason != "nightly" || d.Error != "graph store down" {
			t.Fatalf("dead letter: %+v", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for dead letter")
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestConsume_SuccessIsNotRetried(t *testing.T) {
	nc := startTestNATS(t)

	var attempts atomic.Int32
	done := make(chan struct{}, 4)
	sub, err := Consume(nc, "ok", ConsumeOpts{}, func(context.Context, trigger) error {
		attempts.Add(1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	Publish(context.Background(), nc, "ok", trigger{})
	<-done
	nc.Flush()
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d", n)
	}
}
