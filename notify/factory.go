package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/GoCodeAlone/trok/metrics"
	"github.com/GoCodeAlone/trok/task"
)

// Target is a remote sink, chosen by URL scheme.
type Target struct {
	URL     string
	Verbose bool
}

// ParseTargets splits a comma separated list of URLs into non-verbose targets.
func ParseTargets(list string) []Target {
	var out []Target
	for _, u := range strings.Split(list, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, Target{URL: u})
		}
	}
	return out
}

// Factory opens the fanout for each task run.
type Factory struct {
	Targets []Target
	// Local sinks are shared across runs and must tolerate Close.
	Local          []Sink
	ConsoleVerbose bool
	Client         *http.Client
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

// Open builds the sinks for t: remote targets first, then local sinks, then
// the console. A target that cannot be opened is logged and skipped.
func (f *Factory) Open(ctx context.Context, t task.Task) Sink {
	log := f.logger().With(slog.String("task", t.ID))
	var sinks []Sink
	for _, target := range f.Targets {
		s, ok := f.open(ctx, target, log)
		if ok {
			sinks = append(sinks, s)
		}
	}
	sinks = append(sinks, f.Local...)
	sinks = append(sinks, &ConsoleSink{Logger: f.logger(), IsVerbose: f.ConsoleVerbose})
	return NewFanout(f.logger(), f.Metrics, sinks...)
}

func (f *Factory) open(ctx context.Context, target Target, log *slog.Logger) (Sink, bool) {
	u, err := url.Parse(target.URL)
	if err != nil {
		log.Warn("skip notify target", slog.String("url", target.URL), slog.Any("err", err))
		return nil, false
	}
	switch u.Scheme {
	case "http", "https":
		if target.Verbose {
			log.Warn("http notify targets cannot be verbose; stream events will not be posted", slog.String("url", target.URL))
		}
		return NewHTTPSink(target.URL, f.Client, f.logger()), true
	case "ws", "wss":
		s, err := DialWebSocket(ctx, target.URL, target.Verbose, f.logger())
		if err != nil {
			f.Metrics.DeliveryFailed("ws " + target.URL)
			log.Warn("skip notify target", slog.String("url", target.URL), slog.Any("err", err))
			return nil, false
		}
		return s, true
	}
	log.Warn("skip notify target: unsupported scheme", slog.String("url", target.URL))
	return nil, false
}
