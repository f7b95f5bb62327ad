package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/GoCodeAlone/trok/task"
)

// errPeerClosed is returned by Deliver once the peer has gone away.
var errPeerClosed = errors.New("websocket peer closed the connection")

// WebSocketSink streams events as JSON text frames over one connection,
// opened when the task starts and closed normally when it ends. A close
// from the peer with any status other than 1000 is logged as abnormal.
type WebSocketSink struct {
	url     string
	verbose bool
	conn    *websocket.Conn
	logger  *slog.Logger

	closing atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

// DialWebSocket connects to url.
func DialWebSocket(ctx context.Context, url string, verbose bool, logger *slog.Logger) (*WebSocketSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s := &WebSocketSink{
		url:     url,
		verbose: verbose,
		conn:    conn,
		logger:  logger.With(slog.String("sink", url)),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *WebSocketSink) Name() string  { return "ws " + s.url }
func (s *WebSocketSink) Verbose() bool { return s.verbose }

// readLoop drains and discards peer frames until the connection ends, which
// is how close frames from the peer are observed.
func (s *WebSocketSink) readLoop() {
	defer close(s.done)
	for {
		if _, _, err := s.conn.Read(context.Background()); err != nil {
			s.closed.Store(true)
			if s.closing.Load() {
				return
			}
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
				s.logger.Warn("websocket closed abnormally", slog.Int("code", int(status)), slog.Any("err", err))
			}
			return
		}
	}
}

func (s *WebSocketSink) Deliver(ctx context.Context, ev task.Event) error {
	if s.closed.Load() {
		return errPeerClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close sends a normal closure and waits for the reader to finish.
func (s *WebSocketSink) Close() error {
	peerGone := s.closed.Load()
	s.closing.Store(true)
	err := s.conn.Close(websocket.StatusNormalClosure, "task finished")
	<-s.done
	if err != nil && !peerGone {
		return err
	}
	return nil
}
