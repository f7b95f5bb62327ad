package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/trok/task"
)

// maxLoggedBody caps how much of a callback response is logged.
const maxLoggedBody = 4 << 10

// HTTPSink POSTs each event as JSON to a callback URL. Posts are fire and
// forget: Deliver returns once the request is started, and the response
// status and body are only logged. HTTP sinks are never verbose.
type HTTPSink struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger

	wg sync.WaitGroup
}

// NewHTTPSink returns a sink posting to url. A nil client gets a 30s timeout.
func NewHTTPSink(url string, client *http.Client, logger *slog.Logger) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSink{URL: url, Client: client, Logger: logger}
}

func (h *HTTPSink) Name() string  { return "http " + h.URL }
func (h *HTTPSink) Verbose() bool { return false }

func (h *HTTPSink) Deliver(ctx context.Context, ev task.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// the post outlives the runner's step, so it must not inherit ctx cancellation
	postCtx := context.WithoutCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.post(postCtx, ev.TaskID(), body)
	}()
	return nil
}

func (h *HTTPSink) post(ctx context.Context, taskID string, body []byte) {
	log := h.Logger.With(slog.String("sink", h.URL), slog.String("task", taskID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		log.Error("build callback request", slog.Any("err", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		log.Warn("callback failed", slog.Any("err", err))
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	attrs := []any{slog.Int("status", resp.StatusCode), slog.String("body", formatBody(resp.Header.Get("Content-Type"), raw))}
	if resp.StatusCode >= 400 {
		log.Warn("callback response", attrs...)
		return
	}
	log.Info("callback response", attrs...)
}

// Close waits for in-flight posts; each is bounded by the client timeout.
func (h *HTTPSink) Close() error {
	h.wg.Wait()
	return nil
}

// formatBody pretty-prints JSON bodies and returns anything else as is.
func formatBody(contentType string, raw []byte) string {
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == "application/json" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err == nil {
			return buf.String()
		}
	}
	return string(raw)
}
