package mqtt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"
)

type countingRecorder struct {
	mu      sync.Mutex
	results map[string]int
}

func (r *countingRecorder) InboundMessage(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]int)
	}
	r.results[result]++
}

func (r *countingRecorder) get(result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[result]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name        string
		topic       string
		payload     string
		wantErr     bool
		wantHandled bool
		wantResult  string
	}{
		{"json object", "clock/kitchen", `{"hour":7,"minute":30}`, false, true, ResultHandled},
		{"update request ignored", "clock/UPDATE", `not even json`, false, false, ResultIgnored},
		{"nested update request ignored", "home/clock/UPDATE", `{}`, false, false, ResultIgnored},
		{"update as prefix is not reserved", "UPDATE/clock", `{}`, false, true, ResultHandled},
		{"malformed json", "clock/kitchen", `{"hour":`, true, false, ResultError},
		{"json array ignored", "clock/kitchen", `[1,2,3]`, false, false, ResultIgnored},
		{"json number ignored", "clock/kitchen", `42`, false, false, ResultIgnored},
		{"json string ignored", "clock/kitchen", `"on"`, false, false, ResultIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *Message
			rec := &countingRecorder{}
			d := NewDispatcher(func(_ context.Context, m Message) error {
				got = &m
				return nil
			}, discardLogger())
			d.SetRecorder(rec)

			err := d.Dispatch(context.Background(), tt.topic, []byte(tt.payload), 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Dispatch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (got != nil) != tt.wantHandled {
				t.Errorf("handler called = %v, want %v", got != nil, tt.wantHandled)
			}
			if rec.get(tt.wantResult) != 1 {
				t.Errorf("recorder results = %v, want one %q", rec.results, tt.wantResult)
			}
		})
	}
}

func TestDispatch_NilHandlerAcceptsMessages(t *testing.T) {
	d := NewDispatcher(nil, discardLogger())
	if err := d.Dispatch(context.Background(), "clock/kitchen", []byte(`{"a":"b"}`), 0); err != nil {
		t.Errorf("Dispatch() = %v, want nil", err)
	}
}

func TestDispatch_HandlerErrorAndPanicContained(t *testing.T) {
	d := NewDispatcher(func(_ context.Context, m Message) error {
		if m.Fields["panic"] == true {
			panic("handler bug")
		}
		return errors.New("unsupported command")
	}, discardLogger())

	err := d.Dispatch(context.Background(), "cmd/x", []byte(`{"panic":false}`), 0)
	if err == nil || !strings.Contains(err.Error(), "unsupported command") {
		t.Errorf("Dispatch() = %v, want handler error", err)
	}

	err = d.Dispatch(context.Background(), "cmd/x", []byte(`{"panic":true}`), 0)
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("Dispatch() = %v, want recovered panic", err)
	}
}

func TestOnPublishReceived_AlwaysAcknowledges(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	d := NewDispatcher(nil, logger)

	handled, err := d.OnPublishReceived(paho.PublishReceived{
		Packet: &paho.Publish{Topic: "clock/kitchen", Payload: []byte("garbage")},
	})
	if !handled || err != nil {
		t.Errorf("OnPublishReceived() = %v, %v; want true, nil", handled, err)
	}
	if !strings.Contains(buf.String(), "inbound message dispatch failed") {
		t.Errorf("expected dispatch failure to be logged, got: %s", buf.String())
	}

	handled, err = d.OnPublishReceived(paho.PublishReceived{})
	if !handled || err != nil {
		t.Errorf("nil packet: OnPublishReceived() = %v, %v", handled, err)
	}
}

func TestOnPublishReceived_RateLimited(t *testing.T) {
	rec := &countingRecorder{}
	d := NewDispatcher(nil, discardLogger())
	d.SetRecorder(rec)
	d.SetRateLimit(2)

	for i := 0; i < 5; i++ {
		d.OnPublishReceived(paho.PublishReceived{
			Packet: &paho.Publish{Topic: "a/b", Payload: []byte(`{}`)},
		})
	}
	if rec.get(ResultHandled) != 2 || rec.get(ResultDropped) != 3 {
		t.Errorf("results = %v, want 2 handled and 3 dropped", rec.results)
	}
}

func TestDispatch_LogsSnippet(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := NewDispatcher(nil, logger)

	_ = d.Dispatch(context.Background(), "clock/kitchen", []byte(`{"message":"a very long payload"}`), 1)

	out := buf.String()
	if !strings.Contains(out, `payload="{\"message\":\"a v.."`) {
		t.Errorf("expected truncated payload in log, got: %s", out)
	}
	if !strings.Contains(out, "qos=1") {
		t.Errorf("expected qos in log, got: %s", out)
	}
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"short", "short"},
		{"exactly17chars!!!", "exactly17chars!!!"},
		{"eighteen chars!!!!", "eighteen chars!.."},
		{"line one\nline2", "line one line2"},
		{"héllo wörld ünïcode", "héllo wörld ünï.."},
	}
	for _, tt := range tests {
		if got := snippet([]byte(tt.in)); got != tt.want {
			t.Errorf("snippet(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInboundLimiter_Reset(t *testing.T) {
	l := newInboundLimiter(3, discardLogger())
	for i := 0; i < 3; i++ {
		if !l.allow() {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if l.allow() {
		t.Fatal("4th message should be dropped")
	}

	l.reset()
	if !l.allow() {
		t.Error("message after reset should be allowed")
	}
	if l.dropped.Load() != 0 {
		t.Errorf("dropped = %d after reset, want 0", l.dropped.Load())
	}
}
