// Package client talks to a schedd command server.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"schedd/internal/protocol"
)

// ErrMalformed is returned when the server answers 203.
var ErrMalformed = errors.New("server: request parsed but not a valid event")

type Options struct {
	Codec protocol.Codec
	// Timeout bounds dialing and each request when ctx has no deadline.
	Timeout time.Duration
}

// Client is one connection. Requests on it are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
	opt  Options
}

func Dial(ctx context.Context, addr string, opt Options) (*Client, error) {
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: opt.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, br: bufio.NewReader(conn), opt: opt}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Do sends req and reads one response line.
func (c *Client) Do(ctx context.Context, req map[string]any) (protocol.Response, error) {
	b, err := protocol.EncodeRequest(c.opt.Codec, req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opt.Timeout)
	}
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := c.conn.Write(b); err != nil {
		return protocol.Response{}, ctxErr(ctx, ok, deadline, fmt.Errorf("write request: %w", err))
	}
	resp, err := protocol.ReadResponse(c.br, c.opt.Codec)
	if err != nil {
		return protocol.Response{}, ctxErr(ctx, ok, deadline, fmt.Errorf("read response: %w", err))
	}
	return resp, nil
}

// ctxErr prefers the context error when the conn deadline came from ctx.
func ctxErr(ctx context.Context, fromCtx bool, deadline time.Time, err error) error {
	if e := ctx.Err(); e != nil {
		return e
	}
	if fromCtx && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}

// Upsert creates or updates an event and reports whether it was created.
// An empty tm cancels further fires.
func (c *Client) Upsert(ctx context.Context, id, tm, cmd string, args []any, priority *int) (bool, error) {
	resp, err := c.Do(ctx, protocol.EventRequest(id, tm, cmd, args, priority))
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case protocol.StatusCreated:
		return true, nil
	case protocol.StatusOK:
		return false, nil
	case protocol.StatusMalformed:
		return false, ErrMalformed
	default:
		if err := resp.Err(); err != nil {
			return false, err
		}
		return false, fmt.Errorf("unexpected status %d", resp.Status)
	}
}

// Service runs an introspection operation and decodes its result into out
// (which may be nil).
func (c *Client) Service(ctx context.Context, op string, attr any, out any) error {
	resp, err := c.Do(ctx, protocol.ServiceRequest(op, attr))
	if err != nil {
		return err
	}
	switch resp.Status {
	case protocol.StatusOK:
		if out == nil {
			return nil
		}
		return resp.Decode(out)
	case protocol.StatusBadRequest:
		return resp.Err()
	default:
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
}
