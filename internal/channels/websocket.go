package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskcore/internal/task"
)

// wsFrame is the inbound/outbound JSON envelope exchanged over a connection,
// grounded in original_source's WsMessage enum (Connected/Chat/Error variants
// collapsed into one tagged struct, Go has no serde-style enums).
type wsFrame struct {
	Type          string `json:"type"` // "connected" | "task" | "reply" | "error"
	ConnectionID  string `json:"connection_id,omitempty"`
	TaskType      string `json:"task_type,omitempty"`
	Payload       string `json:"payload,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

// WebSocketChannel is a Channel exposing one upgrade endpoint; each accepted
// connection is a Target keyed by its own connection id, so replies route
// back to the exact socket that submitted the originating task.
type WebSocketChannel struct {
	taskType  string
	submitter Submitter
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewWebSocketChannel builds a WebSocketChannel. taskType is used for every
// inbound frame's task type unless the frame itself names one.
func NewWebSocketChannel(taskType string, submitter Submitter, logger *slog.Logger) *WebSocketChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketChannel{
		taskType:  taskType,
		submitter: submitter,
		logger:    logger,
		conns:     make(map[string]*websocket.Conn),
	}
}

func (w *WebSocketChannel) ID() string { return "websocket" }

// Start registers the upgrade handler on its own http.Server and serves until
// ctx is cancelled. Callers that already run an HTTP mux should instead use
// Handler() and mount it themselves.
func (w *WebSocketChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/v1/ws", w.Handler())
	srv := &http.Server{Addr: ":0", Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

// Handler returns the http.Handler that upgrades connections, for mounting
// into a shared mux (see internal/gateway).
func (w *WebSocketChannel) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(rw, r, nil)
		if err != nil {
			w.logger.Error("websocket: accept failed", "error", err)
			return
		}
		w.handleConn(r.Context(), conn)
	})
}

func (w *WebSocketChannel) handleConn(ctx context.Context, conn *websocket.Conn) {
	connID := task.New("", 0, nil).ID // reuse uuid generation without a real task
	defer conn.CloseNow()

	w.mu.Lock()
	w.conns[connID] = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.conns, connID)
		w.mu.Unlock()
	}()

	_ = wsjson.Write(ctx, conn, wsFrame{Type: "connected", ConnectionID: connID})

	for {
		var frame wsFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() == nil {
				w.logger.Debug("websocket: connection closed", "connection_id", connID, "error", err)
			}
			return
		}
		w.handleFrame(connID, frame)
	}
}

func (w *WebSocketChannel) handleFrame(connID string, frame wsFrame) {
	taskType := w.taskType
	if frame.TaskType != "" {
		taskType = frame.TaskType
	}
	tk := task.New(taskType, task.Normal, []byte(frame.Payload))
	tk.Source = task.SourceExternal
	tk.ReplyTo = &task.ReplyAddress{ChannelID: w.ID(), Target: connID}

	if err := w.submitter.Submit(tk); err != nil {
		w.logger.Error("websocket: submit failed", "error", err, "connection_id", connID)
	}
}

// Send writes payload as a "reply" frame to the connection named by
// addr.Target. Returns task.ErrChannelNotFound-wrapped error if the
// connection has since disconnected.
func (w *WebSocketChannel) Send(ctx context.Context, addr task.ReplyAddress, payload []byte) error {
	w.mu.Lock()
	conn, ok := w.conns[addr.Target]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("websocket: connection %q gone", addr.Target)
	}
	frame := wsFrame{Type: "reply", CorrelationID: addr.ThreadID, Payload: string(payload)}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}
