package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// QueueGroup load-balances request handlers across modelswarm processes.
const QueueGroup = "modelswarm"

// HandlerFunc answers one request. A returned error is sent back to the
// requester as a RemoteError.
type HandlerFunc func(ctx context.Context, data []byte) ([]byte, error)

// RemoteError is a failure reported by the replying side.
type RemoteError struct {
	Subject string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Subject, e.Message)
}

type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name("modelswarm"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// RequestContext sends data to a subject served by Serve and returns the
// reply payload. The request is bounded by ctx.
func (c *Client) RequestContext(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	if env.Error != "" {
		return nil, &RemoteError{Subject: subject, Message: env.Error}
	}
	return env.Data, nil
}

// RequestJSON marshals req, sends it and decodes the reply into resp.
func (c *Client) RequestJSON(ctx context.Context, subject string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	reply, err := c.RequestContext(ctx, subject, data)
	if err != nil {
		return err
	}
	if resp == nil || len(reply) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply, resp); err != nil {
		return fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	return nil
}

// Serve answers requests on subject with h until ctx is done or the returned
// subscription is drained. Each request gets its own context bounded by
// timeout (zero means no per-request bound). Handler output must be JSON.
func (c *Client) Serve(ctx context.Context, subject string, timeout time.Duration, h HandlerFunc) (*nats.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
		go c.answer(ctx, msg, timeout, h)
	})
	if err != nil {
		return nil, fmt.Errorf("serve %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}

func (c *Client) answer(ctx context.Context, msg *nats.Msg, timeout time.Duration, h HandlerFunc) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var env envelope
	data, err := h(ctx, msg.Data)
	if err != nil {
		env.Error = err.Error()
	} else if len(data) > 0 {
		env.Data = data
	}

	out, err := json.Marshal(env)
	if err != nil {
		out, _ = json.Marshal(envelope{Error: fmt.Sprintf("encode reply: %v", err)})
	}
	if err := msg.Respond(out); err != nil {
		slog.Warn("nats respond failed", "subject", msg.Subject, "error", err)
	}
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
