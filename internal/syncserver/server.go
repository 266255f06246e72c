// Package syncserver is the persistent, bidirectional synchronization
// channel that keeps UI clients live against the evolving mailbox state.
// Every subscriber gets the full snapshot on connect and again after every
// committed mutation; client commands (execute a function, chat) come back
// over the same connection. The server holds no per-client cursor: a client
// that drops simply reconnects and resyncs.
package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"inboxpilot/internal/catalog"
	"inboxpilot/internal/mailbox"
	"inboxpilot/internal/metrics"
)

// Engine is the orchestration surface the channel forwards commands to.
type Engine interface {
	Store() *mailbox.Store
	ExecuteFunction(threadID, functionName string, args map[string]string) error
}

// ChatFunc answers a conversational message.
type ChatFunc func(ctx context.Context, text string) (string, error)

type Options struct {
	Engine          Engine
	Chat            ChatFunc
	AllowedOrigins  []string
	AcceptOriginAny bool
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	Logf            func(format string, args ...any)
	Metrics         *metrics.Metrics
}

type Server struct {
	engine          Engine
	chat            ChatFunc
	originPatterns  []string
	maxMessageBytes int64
	writeTimeout    time.Duration
	logf            func(format string, args ...any)
	metrics         *metrics.Metrics

	mu      sync.Mutex
	clients map[*client]bool

	// broadcastMu serializes snapshot marshal+write sequences so two commits
	// can never deliver their snapshots out of commit order, and a connect's
	// initial snapshot cannot be overtaken by an older broadcast.
	broadcastMu sync.Mutex
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeText(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	maxMsg := opts.MaxMessageBytes
	if maxMsg <= 0 {
		maxMsg = 1 << 20 // 1MiB
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	originPatterns := opts.AllowedOrigins
	if opts.AcceptOriginAny || len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Server{
		engine:          opts.Engine,
		chat:            opts.Chat,
		originPatterns:  originPatterns,
		maxMessageBytes: maxMsg,
		writeTimeout:    writeTimeout,
		logf:            logf,
		metrics:         opts.Metrics,
		clients:         make(map[*client]bool),
	}, nil
}

func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s == nil {
		http.Error(w, "sync server not configured", http.StatusInternalServerError)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(s.maxMessageBytes)
	remote := strings.TrimSpace(r.RemoteAddr)
	go s.handleConn(conn, remote)
}

func (s *Server) handleConn(conn *websocket.Conn, remoteAddr string) {
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	c := &client{conn: conn}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	s.metrics.ClientConnected()
	s.logf("sync: client connected remote=%s", remoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.metrics.ClientDisconnected()
		s.logf("sync: client disconnected remote=%s", remoteAddr)
	}()

	// Initial full snapshot. Commits between our snapshot read and the
	// subscriber registration above rebroadcast to us, so the client never
	// observes a version older than connection time.
	if err := s.sendSnapshot(c); err != nil {
		return
	}

	for {
		mt, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		if mt != websocket.MessageText {
			continue
		}
		cmd, err := parseCommand(data)
		if err != nil {
			s.sendError(c, "", "invalid message")
			continue
		}
		s.dispatch(c, cmd)
	}
}

func (s *Server) dispatch(c *client, cmd clientCommand) {
	switch {
	case cmd.Action == actionExecuteFunction:
		threadID := cmd.Args.threadID()
		name := strings.TrimSpace(cmd.Args.FunctionName)
		if threadID == "" || name == "" {
			s.sendError(c, threadID, "execute_function requires message_id and function_name")
			return
		}
		if err := s.engine.ExecuteFunction(threadID, name, cmd.Args.Arguments); err != nil {
			var verr *catalog.ValidationError
			if errors.As(err, &verr) {
				s.sendError(c, threadID, verr.Error())
				return
			}
			s.sendError(c, threadID, fmt.Sprintf("could not schedule %s: %v", name, err))
			return
		}
		// No synchronous reply: the outcome surfaces via the next broadcast.
	case cmd.Type == msgTypeChat:
		s.handleChat(c, cmd.Payload)
	default:
		s.sendError(c, "", "unknown command")
	}
}

func (s *Server) handleChat(c *client, text string) {
	if s.chat == nil {
		s.sendError(c, "", "chat is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	reply, err := s.chat(ctx, text)
	if err != nil {
		s.logf("sync: chat failed: %v", err)
		s.sendError(c, "", "chat is unavailable right now")
		return
	}
	s.send(c, chatMessage{Type: msgTypeChat, Payload: reply})
}

// Broadcast sends the full current mailbox snapshot to every subscriber.
// Wired as the store's commit feed, so it runs once per committed mutation,
// in commit order.
func (s *Server) Broadcast() {
	if s == nil {
		return
	}
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()
	data, err := json.Marshal(mailboxMessage{
		Type:     msgTypeMailbox,
		Messages: s.engine.Store().Snapshot(),
	})
	if err != nil {
		s.logf("sync: marshal snapshot failed: %v", err)
		return
	}

	s.mu.Lock()
	subscribers := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		subscribers = append(subscribers, c)
	}
	s.mu.Unlock()
	if len(subscribers) == 0 {
		return
	}

	for _, c := range subscribers {
		if err := s.writeWithTimeout(c, data); err != nil {
			s.drop(c)
		}
	}
	s.metrics.BroadcastSent()
}

// NotifyError pushes a non-fatal failure notice to every subscriber.
func (s *Server) NotifyError(threadID, message string) {
	if s == nil {
		return
	}
	data, err := json.Marshal(errorMessage{Type: msgTypeError, ThreadID: threadID, Message: message})
	if err != nil {
		return
	}
	s.mu.Lock()
	subscribers := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		subscribers = append(subscribers, c)
	}
	s.mu.Unlock()
	for _, c := range subscribers {
		if err := s.writeWithTimeout(c, data); err != nil {
			s.drop(c)
		}
	}
}

// ClientCount reports connected subscribers.
func (s *Server) ClientCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) sendSnapshot(c *client) error {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()
	data, err := json.Marshal(mailboxMessage{
		Type:     msgTypeMailbox,
		Messages: s.engine.Store().Snapshot(),
	})
	if err != nil {
		return err
	}
	return s.writeWithTimeout(c, data)
}

func (s *Server) sendError(c *client, threadID, message string) {
	s.send(c, errorMessage{Type: msgTypeError, ThreadID: threadID, Message: message})
}

func (s *Server) send(c *client, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.writeWithTimeout(c, data); err != nil {
		s.drop(c)
	}
}

func (s *Server) writeWithTimeout(c *client, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	return c.writeText(ctx, data)
}

// drop severs a subscriber whose connection failed a write. Its read loop
// unregisters it; closing here just hurries that along.
func (s *Server) drop(c *client) {
	_ = c.conn.Close(websocket.StatusPolicyViolation, "write failed")
}
