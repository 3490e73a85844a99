// Package installclient drives an install server over its stdio pipes
// and knows how to bring one to life.
package installclient

import (
	"errors"
	"fmt"
	"io"

	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/executor"
	"github.com/loykin/deployr/internal/protocol"
)

var (
	// ErrServerExited is returned when the channel closed before the
	// expected response arrived.
	ErrServerExited = errors.New("installclient: server exited")

	ErrWrite = errors.New("installclient: write to server failed")
	ErrRead  = errors.New("installclient: read from server failed")
)

// Client is the host side of one install server session. It is owned by
// a single command invocation and is not safe for concurrent use.
type Client struct {
	conn  *protocol.Conn
	stdin io.Closer
	proc  *executor.Process
}

// NewClient wraps an already connected channel: r carries server
// responses, w carries requests. Closing w is how Close signals the
// server.
func NewClient(r io.Reader, w io.WriteCloser) *Client {
	return &Client{conn: protocol.NewConn(r, w), stdin: w}
}

// NewProcessClient binds a client to a started server process.
func NewProcessClient(p *executor.Process) *Client {
	c := NewClient(p.Stdout, p.Stdin)
	c.proc = p
	return c
}

func (c *Client) Write(req *protocol.Request) error { return c.conn.WriteRequest(req) }

// Read returns the next response. A closed channel yields ErrServerExited.
func (c *Client) Read() (*protocol.Response, error) {
	resp, err := c.conn.ReadResponse()
	if errors.Is(err, io.EOF) {
		return nil, ErrServerExited
	}
	return resp, err
}

// Call sends one handle request and reads its response. Failures wrap
// ErrWrite or ErrRead; a response that is not RequestCompleted counts as
// a read failure.
func (c *Client) Call(req *protocol.Request) (*protocol.Response, error) {
	if err := c.Write(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	resp, err := c.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	if resp.Status != protocol.StatusRequestCompleted {
		return nil, fmt.Errorf("%w: %w: %s", ErrRead, protocol.ErrUnexpectedStatus, resp.Status)
	}
	return resp, nil
}

// WaitForStart blocks until the startup acknowledgement arrives or the
// channel is closed.
func (c *Client) WaitForStart() error {
	resp, err := c.Read()
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusServerStarted {
		return fmt.Errorf("%w: got %s while waiting for start", protocol.ErrUnexpectedStatus, resp.Status)
	}
	return nil
}

// KillServerAndWait asks the server to exit and returns the events it
// drained. Responses still in flight are skipped.
func (c *Client) KillServerAndWait() ([]events.Event, error) {
	if err := c.Write(protocol.NewExit()); err != nil {
		return nil, fmt.Errorf("send exit request: %w", err)
	}
	for {
		resp, err := c.Read()
		if err != nil {
			return nil, err
		}
		if resp.Status == protocol.StatusServerExited {
			return resp.Events, nil
		}
	}
}

// Close closes the request channel and, for process-backed clients,
// waits for the server process to exit.
func (c *Client) Close() error {
	var err error
	if c.stdin != nil {
		err = c.stdin.Close()
	}
	if c.proc != nil {
		_, _ = io.Copy(io.Discard, c.proc.Stdout)
		if c.proc.Stderr != nil {
			_, _ = io.Copy(io.Discard, c.proc.Stderr)
		}
		if werr := c.proc.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
