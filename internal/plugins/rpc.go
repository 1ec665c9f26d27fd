// Package plugins is the thin boundary to background plugin daemons:
// JSON-RPC 2.0 over an OS-local stream socket, with a liveness check
// before each request and typed error surfacing (plugin_error,
// system_error, timeout_error) so the orchestrator can fold plugin
// failures into the ordinary tool-result taxonomy.
//
// It also watches plugin directories for changes (fsnotify) and notifies
// the agent pool so warm sub-agents built against a reloaded plugin are
// evicted.
package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/conductorhq/conductor/pkg/models"
)

// MaxRPCResponseSize bounds a single plugin response (10 MiB). Responses
// beyond it are rejected with a plugin_error rather than buffered.
const MaxRPCResponseSize = 10 * 1024 * 1024

// ErrResponseTooLarge is returned when a plugin response exceeds
// MaxRPCResponseSize.
var ErrResponseTooLarge = errors.New("plugins: response exceeds maximum size")

// ErrNotAlive is returned when the pre-request ping fails.
var ErrNotAlive = errors.New("plugins: daemon failed liveness check")

// RPCError is a plugin failure carrying the tool-result error type the
// orchestrator should surface.
type RPCError struct {
	Type    models.ToolResultErrorType
	Message string
	Code    int
	Err     error
}

func (e *RPCError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *RPCError) Unwrap() error { return e.Err }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcWireError   `json:"error,omitempty"`
}

type rpcWireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ClientConfig configures a plugin RPC client.
type ClientConfig struct {
	// PluginName identifies the daemon in errors and eviction hooks.
	PluginName string
	// SocketPath is the daemon's local stream socket.
	SocketPath string
	// CallTimeout bounds a single request round-trip. Default 30s.
	CallTimeout time.Duration
	// PingTimeout bounds the pre-request liveness check. Default 2s.
	PingTimeout time.Duration
}

// Client calls one background plugin daemon. Each request runs on a fresh
// connection: dial, write one newline-delimited JSON-RPC request, read one
// response line, close. A ping liveness round-trip precedes every call.
type Client struct {
	cfg    ClientConfig
	nextID atomic.Uint64
}

// NewClient creates a Client for cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("plugins: socket path is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	return &Client{cfg: cfg}, nil
}

// PluginName returns the daemon's identity for pool-eviction bookkeeping.
func (c *Client) PluginName() string { return c.cfg.PluginName }

// Ping performs the health check: method "ping" must answer "pong".
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	result, err := c.roundTrip(pingCtx, "ping", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAlive, err)
	}
	var pong string
	if err := json.Unmarshal(result, &pong); err != nil || pong != "pong" {
		return fmt.Errorf("%w: unexpected ping reply %s", ErrNotAlive, string(result))
	}
	return nil
}

// Call invokes method (a tool name) on the daemon, checking liveness
// first. Failures come back as *RPCError with the error type the
// orchestrator should surface: plugin_error for daemon/RPC faults,
// timeout_error for deadline expiry, system_error for protocol bugs.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, &RPCError{Type: models.ToolResultErrorPlugin, Message: "plugin daemon is not responding", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	result, err := c.roundTrip(callCtx, method, params)
	if err != nil {
		return nil, classifyTransportError(callCtx, err)
	}
	return result, nil
}

func (c *Client) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &RPCError{Type: models.ToolResultErrorSystem, Message: "failed to encode RPC request", Err: err}
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := readBoundedLine(reader, MaxRPCResponseSize)
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, &RPCError{Type: models.ToolResultErrorPlugin, Message: "malformed RPC response", Err: err}
	}
	if resp.ID != req.ID {
		return nil, &RPCError{Type: models.ToolResultErrorPlugin,
			Message: fmt.Sprintf("RPC response id mismatch: sent %d, got %d", req.ID, resp.ID)}
	}
	if resp.Error != nil {
		return nil, &RPCError{Type: models.ToolResultErrorPlugin, Message: resp.Error.Message, Code: resp.Error.Code}
	}
	return resp.Result, nil
}

// readBoundedLine reads one newline-terminated response, failing once more
// than limit bytes have accumulated.
func readBoundedLine(reader *bufio.Reader, limit int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > limit {
			return nil, ErrResponseTooLarge
		}
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, ErrResponseTooLarge) {
		return &RPCError{Type: models.ToolResultErrorPlugin, Message: "plugin response too large", Err: err}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &RPCError{Type: models.ToolResultErrorTimeout, Message: "plugin call timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &RPCError{Type: models.ToolResultErrorTimeout, Message: "plugin call timed out", Err: err}
	}
	return &RPCError{Type: models.ToolResultErrorPlugin, Message: "plugin RPC failed", Err: err}
}
