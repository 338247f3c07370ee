package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// NotifyPayload is published to every notify topic on (re-)connect.
const NotifyPayload = `{"notify":"true"}`

// Options configures a [Session].
type Options struct {
	// BrokerURL is mqtt://host:port or mqtts://host:port.
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// KeepAlive in seconds.
	KeepAlive uint16

	// CAFile is a PEM bundle used to verify the broker when the URL
	// scheme is mqtts. If the file does not exist the system roots
	// are used.
	CAFile string

	// Subscribe lists inbound topic filters, subscribed at QoS 0 on
	// every connect.
	Subscribe []string

	// Notify lists topics that receive [NotifyPayload] on every connect.
	Notify []string

	// ConnectTimeout bounds how long Start waits for the first
	// connection before returning and retrying in the background.
	ConnectTimeout time.Duration
}

// conn is the part of the connection manager used on connect.
type conn interface {
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Session is a managed broker connection.
type Session struct {
	opts       Options
	dispatcher *Dispatcher
	logger     *slog.Logger

	cm        *autopaho.ConnectionManager
	connected atomic.Bool
}

// NewSession creates a session but does not connect. Call
// [Session.Start] to connect.
func NewSession(opts Options, dispatcher *Dispatcher, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(nil, logger)
	}
	return &Session{opts: opts, dispatcher: dispatcher, logger: logger}
}

// Start begins connecting in the background and waits up to
// ConnectTimeout for the first connection. A timeout is logged, not
// returned: autopaho keeps retrying. Only configuration problems are
// returned as errors.
func (s *Session) Start(ctx context.Context) error {
	cfg, err := s.clientConfig(ctx)
	if err != nil {
		return err
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	timeout := s.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("mqtt initial connection timed out, will retry in background",
			"broker", s.opts.BrokerURL,
			"error", err,
		)
	}
	return nil
}

// clientConfig builds the autopaho configuration from the options.
func (s *Session) clientConfig(ctx context.Context) (autopaho.ClientConfig, error) {
	brokerURL, err := url.Parse(s.opts.BrokerURL)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     s.opts.KeepAlive,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               s.opts.Username,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.connected.Store(true)
			s.logger.Info("mqtt connected to broker", "broker", s.opts.BrokerURL)
			s.onConnectionUp(ctx, cm)
		},
		OnConnectError: func(err error) {
			s.connected.Store(false)
			s.logger.Warn("mqtt connection error", "broker", s.opts.BrokerURL, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID:          s.opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){s.dispatcher.OnPublishReceived},
			OnClientError: func(err error) {
				s.connected.Store(false)
				s.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				s.connected.Store(false)
				s.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	}
	if s.opts.Password != "" {
		cfg.ConnectPassword = []byte(s.opts.Password)
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		tlsCfg, err := loadTLSConfig(s.opts.CAFile, s.logger)
		if err != nil {
			return autopaho.ClientConfig{}, err
		}
		cfg.TlsCfg = tlsCfg
	}
	return cfg, nil
}

// onConnectionUp resubscribes and sends notify messages. Failures are
// logged; the connection stays up.
func (s *Session) onConnectionUp(ctx context.Context, c conn) {
	for _, topic := range s.opts.Subscribe {
		suback, err := c.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
		})
		if err != nil {
			s.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
			continue
		}
		if suback != nil && len(suback.Reasons) > 0 && suback.Reasons[0] >= 0x80 {
			s.logger.Warn("mqtt subscribe rejected", "topic", topic, "reason_code", suback.Reasons[0])
			continue
		}
		s.logger.Debug("mqtt subscribed", "topic", topic)
	}

	for _, topic := range s.opts.Notify {
		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: []byte(NotifyPayload),
			QoS:     0,
			Retain:  false,
		}); err != nil {
			s.logger.Warn("mqtt notify publish failed", "topic", topic, "error", err)
		} else {
			s.logger.Debug("mqtt notify published", "topic", topic)
		}
	}
}

// ErrNotStarted is returned by operations on a session before Start.
var ErrNotStarted = errors.New("mqtt session not started")

// Publish sends payload to topic at QoS 0 without retain. It waits for
// a connection until ctx expires.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.cm == nil {
		return ErrNotStarted
	}
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  false,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It serves as the connwatch probe.
func (s *Session) AwaitConnection(ctx context.Context) error {
	if s.cm == nil {
		return ErrNotStarted
	}
	return s.cm.AwaitConnection(ctx)
}

// Connected reports whether the last connection event was a success.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Stop disconnects from the broker.
func (s *Session) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.connected.Store(false)
	return s.cm.Disconnect(ctx)
}

// loadTLSConfig returns a TLS config trusting the PEM bundle at
// caFile, or the system roots when caFile is empty or missing.
func loadTLSConfig(caFile string, logger *slog.Logger) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(caFile)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("mqtt CA file not found, using system roots", "ca_file", caFile)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mqtt CA file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("mqtt CA file %s: no certificates found", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
