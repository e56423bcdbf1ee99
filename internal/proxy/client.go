package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient talks to the execution proxy over one websocket connection.
// Invocations are correlated by request id; the read loop fans responses and
// stream frames out to the waiting invocations.
type WSClient struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]*pendingInvoke

	closed chan struct{}
	once   sync.Once
}

type pendingInvoke struct {
	resp   chan Response
	stream chan<- StreamFrame
}

// wireFrame is the envelope for everything the proxy sends: terminal
// responses carry OK, async frames carry Event.
type wireFrame struct {
	ID    string          `json:"id"`
	OK    *bool           `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
	Event string          `json:"event,omitempty"`
	Chunk string          `json:"chunk,omitempty"`
}

// Dial connects to the execution proxy. timeout bounds each invocation when
// the caller's context has no earlier deadline; zero takes two minutes.
func Dial(ctx context.Context, url string, timeout time.Duration, logger *slog.Logger) (*WSClient, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("proxy: missing url")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("proxy: dial %s: %w", url, err)
	}
	conn.SetReadLimit(64 * 1024 * 1024)

	c := &WSClient{
		url:     url,
		timeout: timeout,
		logger:  logger,
		conn:    conn,
		pending: make(map[string]*pendingInvoke),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Invoke sends one tool call and blocks until its terminal response, the
// context expires, or the connection dies. Stream frames are forwarded
// best-effort onto the given channel and dropped when it is full.
func (c *WSClient) Invoke(ctx context.Context, req Request, stream chan<- StreamFrame) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("proxy: nil client")
	}
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	p := &pendingInvoke{resp: make(chan Response, 1), stream: stream}
	c.pendingMu.Lock()
	if _, dup := c.pending[req.ID]; dup {
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("proxy: duplicate invocation id %s", req.ID)
	}
	c.pending[req.ID] = p
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = errors.New("proxy: connection closed")
	} else {
		err = conn.WriteJSON(req)
	}
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("proxy: send %s: %w", req.Tool, err)
	}

	select {
	case resp := <-p.resp:
		if !resp.OK {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, &Error{Code: CodeCmd, Message: "tool failed without error detail"}
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("proxy: invoke %s: %w", req.Tool, ctx.Err())
	case <-c.closed:
		return nil, errors.New("proxy: connection closed")
	}
}

// Close tears down the connection and unblocks all waiting invocations.
func (c *WSClient) Close() error {
	if c == nil {
		return nil
	}
	c.once.Do(func() { close(c.closed) })

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *WSClient) readLoop() {
	defer func() { _ = c.Close() }()
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("proxy connection lost", "error", err)
			}
			return
		}

		c.pendingMu.Lock()
		p := c.pending[frame.ID]
		c.pendingMu.Unlock()
		if p == nil {
			// Late frame for an invocation that already returned.
			continue
		}

		if frame.OK != nil {
			p.resp <- Response{ID: frame.ID, OK: *frame.OK, Data: frame.Data, Error: frame.Error}
			continue
		}
		if frame.Event != "" && p.stream != nil {
			select {
			case p.stream <- StreamFrame{ID: frame.ID, Event: frame.Event, Chunk: frame.Chunk}:
			default:
				// Consumer moved on; progress frames are droppable.
			}
		}
	}
}
