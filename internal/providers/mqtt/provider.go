// Package mqtt implements an External capability provider (spec §3
// "provider_kind: Native | External") that invokes a capability by
// publishing a request to an MQTT topic and waiting for a correlated
// reply, grounded on the teacher's autopaho-based publisher/subscriber
// pair (internal/mqtt/publisher.go, internal/mqtt/subscriber.go).
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"golang.org/x/crypto/blake2b"

	"github.com/nugget/loom/internal/broker"
	"github.com/nugget/loom/internal/loomevent"
)

// Config configures the provider's connection to one MQTT broker.
type Config struct {
	BrokerURL    string
	ClientID     string
	RequestTopic string // capability calls are published here
	ReplyTopic   string // correlated replies are expected here
}

// Provider bridges Broker capability invocations onto MQTT
// request/reply messages, correlated by call id (spec §6 "To
// capability providers... invoke(call) -> result").
type Provider struct {
	cfg    Config
	logger *slog.Logger

	cm *autopaho.ConnectionManager

	mu      sync.Mutex
	pending map[string]chan wireReply
}

type wireRequest struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments []byte `json:"arguments"`
}

type wireReply struct {
	CallID string `json:"call_id"`
	Status int    `json:"status"`
	Output []byte `json:"output"`
	ErrMsg string `json:"error,omitempty"`
}

// New creates a Provider. Call Start before registering it with a
// Broker.
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan wireReply),
	}
}

// Start connects to the MQTT broker and subscribes to the reply topic.
// It blocks until the initial connection succeeds or ctx's deadline
// passes; autopaho continues reconnecting in the background afterward.
func (p *Provider) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt provider: parse broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt provider connected", "broker", p.cfg.BrokerURL)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: p.cfg.ReplyTopic, QoS: 1}},
			}); err != nil {
				p.logger.Error("mqtt provider subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt provider connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	pahoCfg.ClientConfig.Router = paho.NewStandardRouter()
	pahoCfg.ClientConfig.Router.RegisterHandler(p.cfg.ReplyTopic, p.onReply)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt provider: connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt provider initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

func (p *Provider) onReply(pub *paho.Publish) {
	var reply wireReply
	if err := json.Unmarshal(pub.Payload, &reply); err != nil {
		p.logger.Warn("mqtt provider: malformed reply payload", "error", err)
		return
	}

	key := correlationKey(reply.CallID)

	p.mu.Lock()
	ch, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.mu.Unlock()

	if !ok {
		// No waiter: the call already timed out and detached. Dropping
		// here is the same "provider's eventual output is discarded"
		// contract the Broker itself implements for slow providers.
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// correlationKey derives a short, collision-resistant key for the
// pending-reply map from the call id, using the pack's shared blake2b
// choice rather than the raw call id (which callers do not guarantee
// is safe as a map key across providers sharing a process).
func correlationKey(callID string) string {
	sum := blake2b.Sum256([]byte(callID))
	return string(sum[:8])
}

// Invoke implements broker.Provider by publishing the call as a
// request message and waiting for its correlated reply or ctx
// cancellation, whichever comes first.
func (p *Provider) Invoke(ctx context.Context, call loomevent.Call) (loomevent.Result, error) {
	if p.cm == nil {
		return loomevent.Result{}, &broker.TransportError{Err: fmt.Errorf("mqtt provider: not started")}
	}

	key := correlationKey(call.ID)
	replyCh := make(chan wireReply, 1)
	p.mu.Lock()
	p.pending[key] = replyCh
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
	}()

	payload, err := json.Marshal(wireRequest{CallID: call.ID, Name: call.Name, Arguments: call.Arguments})
	if err != nil {
		return loomevent.Result{}, err
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.RequestTopic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return loomevent.Result{}, &broker.TransportError{Err: err}
	}

	select {
	case reply := <-replyCh:
		if reply.ErrMsg != "" {
			return loomevent.Result{}, &broker.TransportError{Err: fmt.Errorf("%s", reply.ErrMsg)}
		}
		return loomevent.Result{Status: loomevent.Status(reply.Status), Output: reply.Output}, nil
	case <-ctx.Done():
		return loomevent.Result{}, ctx.Err()
	}
}
