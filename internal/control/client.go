package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/codefionn/tablock/internal/engine"
)

// Client talks to a running daemon. Each call uses a fresh connection.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{path: socketPath, timeout: 5 * time.Second}
}

// Send performs one request. A daemon that is not running yields
// ErrDaemonNotRunning; a request the daemon rejected yields an error
// carrying its message.
func (c *Client) Send(ctx context.Context, action string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return Response{}, fmt.Errorf("%w (socket %s)", ErrDaemonNotRunning, c.path)
		}
		return Response{}, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(Request{Action: action}); err != nil {
		return Response{}, fmt.Errorf("failed to send request: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("invalid response: %w", err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("daemon: %s", resp.Error)
	}
	return resp, nil
}

func (c *Client) Lock(ctx context.Context) error {
	_, err := c.Send(ctx, ActionLock)
	return err
}

func (c *Client) Unlock(ctx context.Context) error {
	_, err := c.Send(ctx, ActionUnlock)
	return err
}

func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	resp, err := c.Send(ctx, ActionStatus)
	if err != nil {
		return engine.Status{}, err
	}
	if resp.Status == nil {
		return engine.Status{}, errors.New("daemon returned no status")
	}
	return *resp.Status, nil
}
