package mqtt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eclipse/paho.golang/paho"
)

type fakeConn struct {
	subscribed []string
	published  []*paho.Publish
	subErr     map[string]error
	reason     byte
}

func (f *fakeConn) Subscribe(_ context.Context, s *paho.Subscribe) (*paho.Suback, error) {
	topic := s.Subscriptions[0].Topic
	if err := f.subErr[topic]; err != nil {
		return nil, err
	}
	f.subscribed = append(f.subscribed, topic)
	return &paho.Suback{Reasons: []byte{f.reason}}, nil
}

func (f *fakeConn) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.published = append(f.published, p)
	return nil, nil
}

func TestSession_OnConnectionUp(t *testing.T) {
	s := NewSession(Options{
		Subscribe: []string{"clock/#", "broken/#", "home/cmd"},
		Notify:    []string{"clock/UPDATE", "home/UPDATE"},
	}, nil, discardLogger())

	c := &fakeConn{subErr: map[string]error{"broken/#": errors.New("not authorized")}}
	s.onConnectionUp(context.Background(), c)

	if strings.Join(c.subscribed, ",") != "clock/#,home/cmd" {
		t.Errorf("subscribed = %v; a failed subscribe must not stop the rest", c.subscribed)
	}
	if len(c.published) != 2 {
		t.Fatalf("published %d notify messages, want 2", len(c.published))
	}
	for i, p := range c.published {
		if p.Topic != s.opts.Notify[i] {
			t.Errorf("notify[%d] topic = %q", i, p.Topic)
		}
		if string(p.Payload) != `{"notify":"true"}` {
			t.Errorf("notify payload = %s", p.Payload)
		}
		if p.QoS != 0 || p.Retain {
			t.Errorf("notify QoS=%d retain=%v, want 0 false", p.QoS, p.Retain)
		}
	}
}

func TestSession_ClientConfig(t *testing.T) {
	dir := t.TempDir()
	s := NewSession(Options{
		BrokerURL: "mqtts://broker.local:4884",
		ClientID:  "mqttsensord-abcd1234",
		Username:  "sensor",
		Password:  "hunter2",
		KeepAlive: 45,
		CAFile:    filepath.Join(dir, "missing.pem"),
	}, nil, discardLogger())

	cfg, err := s.clientConfig(context.Background())
	if err != nil {
		t.Fatalf("clientConfig() error: %v", err)
	}
	if len(cfg.ServerUrls) != 1 || cfg.ServerUrls[0].Host != "broker.local:4884" {
		t.Errorf("ServerUrls = %v", cfg.ServerUrls)
	}
	if cfg.ClientConfig.ClientID != "mqttsensord-abcd1234" {
		t.Errorf("ClientID = %q", cfg.ClientConfig.ClientID)
	}
	if cfg.ConnectUsername != "sensor" || string(cfg.ConnectPassword) != "hunter2" {
		t.Error("credentials not applied")
	}
	if cfg.KeepAlive != 45 {
		t.Errorf("KeepAlive = %d", cfg.KeepAlive)
	}
	if cfg.TlsCfg == nil {
		t.Error("mqtts scheme should enable TLS")
	}
	if len(cfg.ClientConfig.OnPublishReceived) != 1 {
		t.Error("dispatcher not registered")
	}
}

func TestSession_ClientConfigPlain(t *testing.T) {
	s := NewSession(Options{BrokerURL: "mqtt://localhost:1883"}, nil, discardLogger())
	cfg, err := s.clientConfig(context.Background())
	if err != nil {
		t.Fatalf("clientConfig() error: %v", err)
	}
	if cfg.TlsCfg != nil {
		t.Error("mqtt scheme should not enable TLS")
	}
	if cfg.ConnectPassword != nil {
		t.Error("empty password should not be sent")
	}
}

func TestSession_NotStarted(t *testing.T) {
	s := NewSession(Options{}, nil, discardLogger())
	if err := s.Publish(context.Background(), "a", nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Publish() = %v, want ErrNotStarted", err)
	}
	if err := s.AwaitConnection(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("AwaitConnection() = %v, want ErrNotStarted", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
	if s.Connected() {
		t.Error("Connected() should be false before Start")
	}
}

func TestLoadTLSConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadTLSConfig("", discardLogger())
	if err != nil || cfg == nil || cfg.RootCAs != nil {
		t.Errorf("empty CA file: cfg=%v err=%v, want system roots", cfg, err)
	}

	cfg, err = loadTLSConfig(filepath.Join(dir, "nope.pem"), discardLogger())
	if err != nil || cfg.RootCAs != nil {
		t.Errorf("missing CA file: err=%v, want fallback to system roots", err)
	}

	bad := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadTLSConfig(bad, discardLogger()); err == nil {
		t.Error("CA file without certificates should fail")
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id1, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if len(id1) != 36 {
		t.Errorf("instance ID %q is not a UUID", id1)
	}

	id2, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if id1 != id2 {
		t.Errorf("instance ID changed: %s -> %s", id1, id2)
	}
}

func TestDefaultClientID(t *testing.T) {
	tests := []struct {
		id, want string
	}{
		{"01890a5d-ac96-774b-bcce-b302099a8057", "mqttsensord-099a8057"},
		{"abc", "mqttsensord-abc"},
		{"", "mqttsensord"},
	}
	for _, tt := range tests {
		if got := DefaultClientID(tt.id); got != tt.want {
			t.Errorf("DefaultClientID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
