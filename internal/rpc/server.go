package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// HandlerFunc answers a request. Returning an *Error sends it verbatim;
// any other error is reported as an internal error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// ToolHandler runs one tool call.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

type registeredTool struct {
	tool    Tool
	handler ToolHandler
}

// Server is the tool server side of the transport. It reads requests line
// by line and dispatches them to registered handlers, each on its own
// goroutine, so responses may be written out of order.
type Server struct {
	info    Implementation
	logger  *slog.Logger
	maxLine int

	mu            sync.RWMutex
	handlers      map[string]HandlerFunc
	notifications map[string]func(ctx context.Context, params json.RawMessage)
	tools         map[string]registeredTool

	writeMu sync.Mutex
	out     io.Writer
	wg      sync.WaitGroup
}

// NewServer creates a server announcing info in the initialize result.
// initialize, tools/list and tools/call are handled built in.
func NewServer(info Implementation, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		info:          info,
		maxLine:       DefaultMaxLineSize,
		logger:        logger.With("component", "rpc-server"),
		handlers:      make(map[string]HandlerFunc),
		notifications: make(map[string]func(ctx context.Context, params json.RawMessage)),
		tools:         make(map[string]registeredTool),
	}
	s.handlers[MethodInitialize] = s.handleInitialize
	s.handlers[MethodToolsList] = s.handleToolsList
	s.handlers[MethodToolsCall] = s.handleToolsCall
	return s
}

// SetMaxLineSize sets the longest request line accepted. Longer lines are
// discarded and answered with a parse error. It must be called before
// Serve.
func (s *Server) SetMaxLineSize(n int) {
	if n > 0 {
		s.maxLine = n
	}
}

// Handle registers a request handler, replacing any previous one.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// OnNotification registers a handler for a client notification.
func (s *Server) OnNotification(method string, fn func(ctx context.Context, params json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[method] = fn
}

// RegisterTool exposes a tool through tools/list and tools/call.
func (s *Server) RegisterTool(tool Tool, fn ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = registeredTool{tool: tool, handler: fn}
}

// Notify pushes a notification to the client. It fails before Serve starts.
func (s *Server) Notify(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.send(msg)
}

// Serve reads requests from r and writes responses to w until r reaches
// EOF or ctx is done. In-flight handlers are waited for before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.writeMu.Lock()
	s.out = w
	s.writeMu.Unlock()

	defer s.wg.Wait()

	reader := newLineReader(r, s.maxLine)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, size, err := reader.next()
		if errors.Is(err, errLineTooLong) {
			s.logger.Warn("discarding oversized request", "bytes", size, "max", s.maxLine)
			s.reply(NewErrorResponse(nil, CodeParseError, errLineTooLong.Error()))
			continue
		}
		if len(bytes.TrimSpace(line)) > 0 {
			s.handleLine(ctx, bytes.TrimSpace(line))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	msg, err := ParseMessage(line)
	if err != nil {
		s.logger.Warn("parse error", "error", err, "data", truncate(line, 256))
		s.reply(NewErrorResponse(nil, CodeParseError, err.Error()))
		return
	}

	switch {
	case msg.IsNotification():
		s.mu.RLock()
		fn, ok := s.notifications[msg.Method]
		s.mu.RUnlock()
		if ok {
			fn(ctx, msg.Params)
		} else {
			s.logger.Debug("ignoring notification", "method", msg.Method)
		}
	case msg.IsRequest():
		s.mu.RLock()
		fn, ok := s.handlers[msg.Method]
		s.mu.RUnlock()
		if !ok {
			s.reply(NewErrorResponse(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, msg, fn)
		}()
	default:
		s.logger.Debug("ignoring response from client", "id", string(msg.ID))
	}
}

func (s *Server) dispatch(ctx context.Context, msg *Message, fn HandlerFunc) {
	s.logger.Debug("handling request", "method", msg.Method, "id", string(msg.ID))

	result, err := fn(ctx, msg.Params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			s.reply(&Message{JSONRPC: Version, ID: msg.ID, Error: rpcErr})
			return
		}
		s.reply(NewErrorResponse(msg.ID, CodeInternalError, err.Error()))
		return
	}

	resp, err := NewResult(msg.ID, result)
	if err != nil {
		s.reply(NewErrorResponse(msg.ID, CodeInternalError, err.Error()))
		return
	}
	s.reply(resp)
}

func (s *Server) reply(msg *Message) {
	if err := s.send(msg); err != nil {
		s.logger.Error("write error", "error", err)
	}
}

func (s *Server) send(msg *Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.out == nil {
		return errors.New("server is not serving")
	}
	_, err = s.out.Write(data)
	return err
}

func (s *Server) handleInitialize(_ context.Context, params json.RawMessage) (any, error) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	s.logger.Debug("client initialized", "client", p.ClientInfo.Name, "protocol", p.ProtocolVersion)

	s.mu.RLock()
	hasTools := len(s.tools) > 0
	s.mu.RUnlock()

	caps := map[string]any{}
	if hasTools {
		caps["tools"] = map[string]any{}
	}
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      s.info,
	}, nil
}

func (s *Server) handleToolsList(_ context.Context, _ json.RawMessage) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return ListToolsResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}

	s.mu.RLock()
	t, ok := s.tools[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &Error{Code: CodeInvalidParams, Message: "unknown tool: " + p.Name}
	}
	return t.handler(ctx, p.Arguments)
}
