package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/eclipse/paho.golang/paho"
)

// UpdateTopic is the reserved final topic level used by consumers to
// request a refresh. Messages on it are always ignored.
const UpdateTopic = "UPDATE"

// Dispatch results reported to a [Recorder].
const (
	ResultHandled = "handled"
	ResultIgnored = "ignored"
	ResultDropped = "dropped"
	ResultError   = "error"
)

// Message is an inbound message whose payload parsed as a JSON object.
type Message struct {
	Topic  string
	QoS    byte
	Fields map[string]any
}

// CommandHandler acts on an inbound message. It runs on the broker
// client's goroutine and must not touch scheduler state.
type CommandHandler func(ctx context.Context, msg Message) error

// Recorder counts dispatch results. [*metrics.Metrics] implements it.
type Recorder interface {
	InboundMessage(result string)
}

// Dispatcher routes inbound messages to a [CommandHandler]. Every
// failure is logged and contained.
type Dispatcher struct {
	logger   *slog.Logger
	handler  CommandHandler
	limiter  *inboundLimiter
	recorder Recorder
}

// NewDispatcher creates a dispatcher. A nil handler accepts and
// discards every well-formed message.
func NewDispatcher(handler CommandHandler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, handler: handler}
}

// SetRecorder attaches a result counter.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// SetRateLimit caps inbound messages per second; excess messages are
// dropped until the next window. Run [Dispatcher.RunLimiter] to reset
// the window. Zero disables limiting.
func (d *Dispatcher) SetRateLimit(perSecond int) {
	if perSecond <= 0 {
		d.limiter = nil
		return
	}
	d.limiter = newInboundLimiter(int64(perSecond), d.logger)
}

// RunLimiter resets the rate-limit window every second until ctx is
// cancelled. It returns immediately when no limit is set.
func (d *Dispatcher) RunLimiter(ctx context.Context) {
	if d.limiter == nil {
		return
	}
	d.limiter.run(ctx)
}

// OnPublishReceived is registered with paho. It always reports the
// message as handled so paho acknowledges it and keeps the connection.
func (d *Dispatcher) OnPublishReceived(pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil {
		return true, nil
	}
	if d.limiter != nil && !d.limiter.allow() {
		d.record(ResultDropped)
		return true, nil
	}
	if err := d.Dispatch(context.Background(), pr.Packet.Topic, pr.Packet.Payload, pr.Packet.QoS); err != nil {
		d.logger.Error("inbound message dispatch failed",
			"topic", pr.Packet.Topic,
			"error", err,
		)
	}
	return true, nil
}

// Dispatch handles one inbound message. Messages whose final topic
// level is [UpdateTopic] are ignored, as is well-formed JSON that is
// not an object. Only invalid JSON is an error. Panics in the handler
// are recovered and returned as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, payload []byte, qos byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dispatch %s panicked: %v", topic, rec)
		}
		if err != nil {
			d.record(ResultError)
		}
	}()

	if isUpdateRequest(topic) {
		d.logger.Debug("ignoring update request", "topic", topic)
		d.record(ResultIgnored)
		return nil
	}

	d.logger.Debug("mqtt message received",
		"topic", topic,
		"qos", qos,
		"payload", snippet(payload),
		"payload_size", len(payload),
	)

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decode payload on %s: %w", topic, err)
	}
	fields, ok := doc.(map[string]any)
	if !ok {
		d.logger.Debug("ignoring non-object payload", "topic", topic, "payload", snippet(payload))
		d.record(ResultIgnored)
		return nil
	}

	if d.handler != nil {
		if err := d.handler(ctx, Message{Topic: topic, QoS: qos, Fields: fields}); err != nil {
			return fmt.Errorf("handle %s: %w", topic, err)
		}
	}
	d.record(ResultHandled)
	return nil
}

func (d *Dispatcher) record(result string) {
	if d.recorder != nil {
		d.recorder.InboundMessage(result)
	}
}

func isUpdateRequest(topic string) bool {
	last := topic
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		last = topic[i+1:]
	}
	return last == UpdateTopic
}

// snippet shortens a payload for logging: payloads longer than 17
// characters keep their first 15 followed by "..". Newlines become
// spaces and invalid UTF-8 is dropped.
func snippet(payload []byte) string {
	s := strings.ToValidUTF8(string(payload), "")
	if utf8.RuneCountInString(s) > 17 {
		s = string([]rune(s)[:15]) + ".."
	}
	return strings.ReplaceAll(s, "\n", " ")
}
