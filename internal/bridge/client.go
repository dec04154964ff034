package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"atelier/internal/errs"
	"atelier/pkg/logger"
)

// ConnectionState represents the state of a bridge connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns a string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler for ConnectionState.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ClientConfig holds configuration for one executor connection.
type ClientConfig struct {
	Address     string
	Dial        Dialer
	Timeout     time.Duration
	DialTimeout time.Duration
}

// Client is a persistent connection to one executor service.
// It is safe for concurrent use.
type Client struct {
	service string
	config  ClientConfig
	log     zerolog.Logger

	connMu    sync.Mutex // serializes dialing
	transport Transport

	pending   map[string]chan *Response
	pendingMu sync.Mutex

	state   ConnectionState
	stateMu sync.RWMutex
	lastErr error
}

// NewClient creates a client. The connection is dialed on first use.
func NewClient(service string, config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.Dial == nil {
		config.Dial = DialTCP
	}
	return &Client{
		service: service,
		config:  config,
		log:     logger.Component("bridge").With().Str("service", service).Logger(),
		pending: make(map[string]chan *Response),
	}
}

// Service returns the service name.
func (c *Client) Service() string {
	return c.service
}

// Timeout returns the default per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.config.Timeout
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// LastError returns the last connection error.
func (c *Client) LastError() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastErr
}

func (c *Client) setState(state ConnectionState, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
	c.lastErr = err
}

// Connect dials the executor if not already connected.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.ensureConnected(ctx)
	return err
}

func (c *Client) ensureConnected(ctx context.Context) (Transport, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.transport != nil {
		return c.transport, nil
	}

	c.setState(StateConnecting, nil)
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	t, err := c.config.Dial(dialCtx, c.config.Address)
	if err != nil {
		c.setState(StateError, err)
		return nil, fmt.Errorf("dial %s at %s: %w", c.service, c.config.Address, err)
	}
	c.transport = t
	c.setState(StateConnected, nil)
	c.log.Info().Str("address", c.config.Address).Msg("Bridge connected")

	go c.receiveLoop(t)
	return t, nil
}

// Call invokes a tool and waits for its correlated reply. Without a context
// deadline the client timeout applies. Executor errors, timeouts and
// connection loss are returned as *errs.RemoteToolError.
func (c *Client) Call(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if inv.CorrelationID == "" {
		inv.CorrelationID = uuid.New().String()
	}
	remoteErr := func(msg string, cause error) error {
		return &errs.RemoteToolError{
			Service:       c.service,
			Tool:          inv.Tool,
			CorrelationID: inv.CorrelationID,
			Message:       msg,
			Cause:         cause,
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	t, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, remoteErr("executor unreachable", errors.Join(ErrClosed, err))
	}

	params := inv.Args
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(Request{ID: inv.CorrelationID, Command: inv.Tool, Params: params})
	if err != nil {
		return nil, remoteErr("marshal request", err)
	}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[inv.CorrelationID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, inv.CorrelationID)
		c.pendingMu.Unlock()
	}()

	if err := t.Send(ctx, data); err != nil {
		c.drop(t, err)
		return nil, remoteErr("send request", errors.Join(ErrClosed, err))
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, remoteErr("timed out waiting for result", ErrTimeout)
		}
		return nil, remoteErr("cancelled", ctx.Err())
	case resp, ok := <-respCh:
		if !ok || resp == nil {
			return nil, remoteErr("connection lost", ErrClosed)
		}
		if resp.Status != StatusOK {
			return nil, remoteErr(resp.ErrorMessage(), ErrRemote)
		}
		if len(resp.Result) == 0 {
			return json.RawMessage("null"), nil
		}
		return resp.Result, nil
	}
}

// Ping sends the health-check command.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, Invocation{Tool: PingCommand})
	return err
}

func (c *Client) receiveLoop(t Transport) {
	for {
		data, err := t.Receive()
		if err != nil {
			c.drop(t, err)
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Warn().Err(err).Msg("Discarding malformed bridge reply")
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()

		if !ok {
			c.log.Debug().Str("correlation_id", resp.ID).Msg("Reply for unknown or abandoned request")
			continue
		}
		ch <- &resp
	}
}

// drop tears down t if it is still current and fails every pending call.
func (c *Client) drop(t Transport, cause error) {
	c.connMu.Lock()
	if c.transport != t {
		c.connMu.Unlock()
		return
	}
	c.transport = nil
	c.connMu.Unlock()

	_ = t.Close()
	c.setState(StateDisconnected, cause)
	c.log.Warn().Err(cause).Msg("Bridge disconnected")

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// Close closes the connection and fails pending calls.
func (c *Client) Close() error {
	c.connMu.Lock()
	t := c.transport
	c.connMu.Unlock()
	if t != nil {
		c.drop(t, ErrClosed)
	}
	return nil
}
