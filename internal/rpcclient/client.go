// Package rpcclient implements the JSON-RPC 2.0 client the miner uses to
// talk to a Meros node: a persistent TCP stream of newline-delimited JSON
// requests/responses, reconnecting with back-off on any transport error and
// re-issuing the in-flight request.
package rpcclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrNodeError wraps a {code, message} error returned by the node.
type ErrNodeError struct {
	Code    int
	Message string
}

func (e *ErrNodeError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Config holds client configuration.
type Config struct {
	Addr           string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	Logger         *slog.Logger

	// OnReconnect, if set, is called each time a new TCP connection to the
	// node is established (including the first). Optional observability
	// hook — keeps this package free of a direct metrics-library import,
	// matching the pipeline package's onReport callback pattern.
	OnReconnect func()
	// OnLatency, if set, is called after every completed RPC round trip
	// (node errors count; transport failures that never got a response do
	// not) with the method name and elapsed time.
	OnLatency func(method string, d time.Duration)
}

// DefaultConfig returns the spec-mandated defaults: 1-second reconnect
// back-off, generous per-request and dial timeouts.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:           addr,
		DialTimeout:    10 * time.Second,
		RequestTimeout: 30 * time.Second,
		ReconnectDelay: time.Second,
		Logger:         slog.Default(),
	}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is a reconnecting JSON-RPC client over a single persistent TCP
// connection, grounded on the teacher's pool_client.go stratum transport
// and generalized from the stratum dialect to plain JSON-RPC 2.0.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	sessionID  string
	reconnectL *rate.Limiter

	connMu sync.Mutex
	conn   net.Conn

	reqID   atomic.Uint64
	pendMu  sync.Mutex
	pending map[uint64]chan response

	closed atomic.Bool
}

// New constructs a Client without dialing. The first Call dials the node
// and starts the background read loop; later Calls redial whenever the
// connection has been lost.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		cfg:        cfg,
		sessionID:  uuid.NewString(),
		reconnectL: rate.NewLimiter(rate.Every(cfg.ReconnectDelay), 1),
		pending:    make(map[uint64]chan response),
	}
	c.logger = cfg.Logger.With("component", "rpcclient", "session", c.sessionID)
	return c
}

// Close disconnects and stops the read loop permanently.
func (c *Client) Close() {
	c.closed.Store(true)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
}

// ensureConnected dials (or redials) the node, waiting out the reconnect
// back-off limiter between attempts.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.connMu.Unlock()
		return nil
	}
	c.connMu.Unlock()

	if err := c.reconnectL.Wait(ctx); err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)
	c.logger.Info("connected to node", "addr", c.cfg.Addr)
	if c.cfg.OnReconnect != nil {
		c.cfg.OnReconnect()
	}
	return nil
}

func (c *Client) dropConn(conn net.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close()
}

func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("rpc connection lost", "err", err)
			}
			c.dropConn(conn)
			c.failAllPending()
			return
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("malformed rpc response", "err", err)
			continue
		}

		c.pendMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendMu.Unlock()

		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

func (c *Client) failAllPending() {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// call issues one JSON-RPC request, dialing first if there is no live
// connection. It makes a single attempt and never retries; the caller loops
// with back-off for persistent failures (see Call).
func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	start := time.Now()
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	id := c.reqID.Add(1)
	respCh := make(chan response, 1)
	c.pendMu.Lock()
	c.pending[id] = respCh
	c.pendMu.Unlock()

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	body = append(body, '\n')

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("rpcclient: not connected")
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	if _, err := conn.Write(body); err != nil {
		c.dropConn(conn)
		return fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.RequestTimeout):
		return fmt.Errorf("rpcclient: timeout waiting for %s response", method)
	case resp, ok := <-respCh:
		if !ok {
			return fmt.Errorf("rpcclient: connection closed waiting for %s response", method)
		}
		if c.cfg.OnLatency != nil {
			c.cfg.OnLatency(method, time.Since(start))
		}
		if resp.Error != nil {
			return &ErrNodeError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// Call issues method, reconnecting with the configured back-off and
// re-issuing the in-flight request on every transport failure, forever,
// until ctx is done. Node-returned {code, message} errors are NOT retried
// here; callers classify those per spec.md §7 (retried for polling calls,
// discarded for publish).
func (c *Client) Call(ctx context.Context, method string, params []any, result any) error {
	for {
		err := c.call(ctx, method, params, result)
		if err == nil {
			return nil
		}
		var nodeErr *ErrNodeError
		if asNodeError(err, &nodeErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.logger.Warn("rpc call failed, retrying", "method", method, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func asNodeError(err error, target **ErrNodeError) bool {
	ne, ok := err.(*ErrNodeError)
	if ok {
		*target = ne
	}
	return ok
}
