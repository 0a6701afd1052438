// Package messagebus connects the engine to NATS: transitions are streamed
// to JetStream, tasks and agents are managed over request/reply, and remote
// agents receive assignments and report results on plain subjects.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/aristath/taskforge/internal/config"
)

// Config holds NATS configuration.
type Config struct {
	URL           string        // NATS server URL (e.g. "nats://localhost:4222")
	StreamName    string        // JetStream stream for events (default "TASKFORGE")
	SubjectPrefix string        // First subject token (default "taskforge")
	Timeout       time.Duration // Connection and request timeout
}

// ConfigFrom converts the messaging section of the configuration.
func ConfigFrom(cfg config.MessagingConfig) Config {
	return Config{URL: cfg.URL, StreamName: cfg.Stream, SubjectPrefix: cfg.SubjectPrefix}
}

// Conn is a NATS connection with the JetStream context used for the event
// stream.
type Conn struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	stream   string
	subjects Subjects
	timeout  time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS and makes sure the event stream exists.
func Connect(cfg Config) (*Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "TASKFORGE"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "taskforge"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("taskforge"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("WARNING: NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c := &Conn{
		nc:       nc,
		js:       js,
		stream:   cfg.StreamName,
		subjects: Subjects{Prefix: cfg.SubjectPrefix},
		timeout:  cfg.Timeout,
	}
	if err := c.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return c, nil
}

// ensureStream creates or updates the event stream. Limits retention lets
// any number of consumers replay the same events.
func (c *Conn) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      c.stream,
		Subjects:  []string{c.subjects.Events() + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := c.js.StreamInfo(c.stream); err != nil {
		if _, err := c.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("Created JetStream stream: %s", c.stream)
		return nil
	}
	if _, err := c.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Subjects returns the subject layout of this connection.
func (c *Conn) Subjects() Subjects {
	return c.subjects
}

// publish sends v as JSON on a core subject.
func (c *Conn) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// publishDurable stores v in the event stream, retrying transient failures
// a few times.
func (c *Conn) publishDurable(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)

	err = backoff.Retry(func() error {
		_, err := c.js.Publish(subject, data, nats.Context(ctx))
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// request sends v and decodes the JSON reply into out.
func (c *Conn) request(ctx context.Context, subject string, v, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request to %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decoding reply from %s: %w", subject, err)
	}
	return nil
}

// subscribe registers a core subscription, load-balanced across queue
// members when queue is set.
func (c *Conn) subscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.nc.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = c.nc.Subscribe(subject, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

// Flush waits until the server has processed everything sent so far.
func (c *Conn) Flush() error {
	return c.nc.FlushTimeout(c.timeout)
}

// Health reports whether the connection and the event stream are usable.
func (c *Conn) Health() error {
	if c.nc.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !c.nc.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := c.js.StreamInfo(c.stream); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", c.stream, err)
	}
	return nil
}

// Close drops every subscription and the connection.
func (c *Conn) Close() {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()

	c.nc.Close()
	log.Printf("Closed NATS connection")
}
