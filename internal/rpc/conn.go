package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
)

// DefaultTimeout applies to calls made without an explicit timeout.
const DefaultTimeout = 30 * time.Second

// NotificationHandler receives notifications in arrival order.
// It runs on the read goroutine and must not block.
type NotificationHandler func(method string, params json.RawMessage)

type callResult struct {
	msg *Message
	err error
}

// Conn is the client side of a tool server connection. Requests are
// correlated to responses by id; any number of calls may be in flight.
type Conn struct {
	r       io.Reader
	w       io.WriteCloser
	logger  *slog.Logger
	timeout time.Duration
	maxLine int

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[int64]chan callResult
	subscribers []NotificationHandler
	closed      bool
	closeErr    error

	done      chan struct{}
	startOnce sync.Once
}

// NewConn creates a connection reading responses from r and writing
// requests to w. Call Start to begin reading.
func NewConn(r io.Reader, w io.WriteCloser, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		r:       r,
		w:       w,
		logger:  logger.With("component", "rpc-conn"),
		timeout: DefaultTimeout,
		maxLine: DefaultMaxLineSize,
		pending: make(map[int64]chan callResult),
		done:    make(chan struct{}),
	}
}

// SetTimeout sets the timeout used by calls that pass a zero timeout.
func (c *Conn) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

// SetMaxLineSize sets the longest line accepted from the server. Longer
// lines are discarded. It must be called before Start.
func (c *Conn) SetMaxLineSize(n int) {
	if n > 0 {
		c.maxLine = n
	}
}

// Start launches the read loop. It is safe to call more than once.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// Subscribe registers a notification handler. Handlers are invoked in
// registration order.
func (c *Conn) Subscribe(fn NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Pending returns the number of calls awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends a request and waits for its response, the timeout, or ctx.
// A zero timeout uses the connection default.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	id := c.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed {
		cause := c.closeErr
		c.mu.Unlock()
		return nil, flowerrors.ConnectionClosed(cause)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.removePending(id)
		return nil, flowerrors.ConnectionClosed(err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, flowerrors.RemoteError(method, res.msg.Error.Code, res.msg.Error.Message)
		}
		return res.msg.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, flowerrors.RequestTimeout(method, id)
	case <-ctx.Done():
		c.removePending(id)
		return nil, flowerrors.RequestTimeout(method, id).WithCause(ctx.Err())
	}
}

// Notify sends a notification. No response is expected.
func (c *Conn) Notify(method string, params any) error {
	c.mu.Lock()
	closed, cause := c.closed, c.closeErr
	c.mu.Unlock()
	if closed {
		return flowerrors.ConnectionClosed(cause)
	}

	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := c.write(msg); err != nil {
		return flowerrors.ConnectionClosed(err)
	}
	return nil
}

// Initialize performs the handshake: an initialize request followed by
// the initialized notification.
func (c *Conn) Initialize(ctx context.Context, client Implementation, timeout time.Duration) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      client,
	}
	raw, err := c.Call(ctx, MethodInitialize, params, timeout)
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, flowerrors.Wrap(flowerrors.CodeProcHandshakeFailed, "invalid initialize result", err)
		}
	}

	if err := c.Notify(MethodInitialized, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close closes the write side and rejects every pending call.
func (c *Conn) Close() error {
	c.closeWith(errors.New("connection closed by client"))
	return c.w.Close()
}

func (c *Conn) write(msg *Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(data)
	return err
}

func (c *Conn) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	reader := newLineReader(c.r, c.maxLine)
	for {
		line, size, err := reader.next()
		if errors.Is(err, errLineTooLong) {
			c.logger.Warn("discarding oversized line", "bytes", size, "max", c.maxLine)
			continue
		}
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			if err == io.EOF {
				c.logger.Debug("connection reached EOF")
			} else {
				c.logger.Warn("read error", "error", err)
			}
			c.closeWith(err)
			return
		}
	}
}

func (c *Conn) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	msg, err := ParseMessage(line)
	if err != nil {
		c.logger.Warn("discarding malformed line", "error", err, "data", truncate(line, 256))
		return
	}

	switch {
	case msg.IsResponse():
		c.handleResponse(msg)
	case msg.IsRequest():
		c.logger.Debug("rejecting server request", "method", msg.Method)
		reply := NewErrorResponse(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
		if err := c.write(reply); err != nil {
			c.logger.Warn("failed to reply to server request", "method", msg.Method, "error", err)
		}
	case msg.IsNotification():
		c.mu.Lock()
		subs := make([]NotificationHandler, len(c.subscribers))
		copy(subs, c.subscribers)
		c.mu.Unlock()
		for _, fn := range subs {
			fn(msg.Method, msg.Params)
		}
	}
}

func (c *Conn) handleResponse(msg *Message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Warn("discarding response with non-numeric id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping response for unknown or expired request", "id", id)
		return
	}
	ch <- callResult{msg: msg}
}

func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: flowerrors.ConnectionClosed(cause)}
	}
	close(c.done)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
