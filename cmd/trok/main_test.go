package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/GoCodeAlone/trok/server/api"
	"github.com/GoCodeAlone/trok/server/ws"
	"github.com/GoCodeAlone/trok/task"
	"github.com/GoCodeAlone/trok/workspace"
)

type fakeDispatcher struct{ queued []task.Task }

func (f *fakeDispatcher) Enqueue(t task.Task) (int, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	f.queued = append(f.queued, t)
	return len(f.queued), nil
}
func (f *fakeDispatcher) Current() (task.Task, bool) { return task.Task{}, false }
func (f *fakeDispatcher) Pending() []task.Task       { return f.queued }

type fakeRegistry struct{ repos []workspace.Repository }

func (f *fakeRegistry) Root() string                         { return "/work" }
func (f *fakeRegistry) Repositories() []workspace.Repository { return append([]workspace.Repository(nil), f.repos...) }
func (f *fakeRegistry) ScannedAt() time.Time                 { return time.Now() }
func (f *fakeRegistry) Rescan(context.Context) error         { return nil }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newAPI(t *testing.T) (*httptest.Server, *fakeDispatcher, *ws.Hub) {
	t.Helper()
	d := &fakeDispatcher{}
	hub := ws.NewHub(task.NewMemoryStore(10), discard(), nil)
	h := &api.Handlers{
		Dispatcher: d,
		Registry: &fakeRegistry{repos: []workspace.Repository{
			{Origin: "https://github.com/acme/mono", Branch: "main", Path: "/work/mono", Packages: []string{".", "./pkgs/a"}},
		}},
		Snapshots: hub.Store(),
		Hub:       hub,
		Logger:    discard(),
		Version:   "test",
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	h.RegisterPublicRoutes(mux)
	mux.HandleFunc("GET /ws", hub.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, d, hub
}

// execute runs the CLI against srv and returns its stdout.
func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	if srv != nil {
		args = append([]string{"--server", srv.URL}, args...)
	}
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSubmitAndTasks(t *testing.T) {
	srv, d, _ := newAPI(t)
	out, err := execute(t, srv, "submit", "https://github.com/acme/mono", "main", "HEAD^...HEAD")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(d.queued) != 1 {
		t.Fatalf("queued = %d", len(d.queued))
	}
	q := d.queued[0]
	if q.From != "cli" || q.Selector != "HEAD^...HEAD" {
		t.Errorf("queued task = %+v", q)
	}
	if !strings.Contains(out, q.ID) || !strings.Contains(out, "position 1") {
		t.Errorf("submit output = %q", out)
	}

	out, err = execute(t, srv, "tasks")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if !strings.Contains(out, q.ID) {
		t.Errorf("tasks output missing %s:\n%s", q.ID, out)
	}
}

func TestSubmit_Invalid(t *testing.T) {
	srv, _, _ := newAPI(t)
	_, err := execute(t, srv, "submit", "https://github.com/acme/mono", "main", "")
	if err == nil || !strings.Contains(err.Error(), "server returned 400") {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestRepos(t *testing.T) {
	srv, _, _ := newAPI(t)
	out, err := execute(t, srv, "repos")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"/work", "1 repository", "acme/mono", "./pkgs/a"} {
		if !strings.Contains(out, want) {
			t.Errorf("repos output missing %q:\n%s", want, out)
		}
	}
}

func TestSnapshots(t *testing.T) {
	srv, _, hub := newAPI(t)
	tk := task.Task{ID: "t1", Origin: "o", Branch: "main", Selector: "./pkgs/a"}
	hub.Publish(task.SnapshotEvent(task.Snapshot{Task: tk, Timestamp: 1, Status: task.StatusPending,
		Packages: []task.Package{{Path: "./pkgs/a"}}}))
	hub.Publish(task.SnapshotEvent(task.Snapshot{Task: tk, Timestamp: 2, Status: task.StatusProgress,
		Packages: []task.Package{{Path: "./pkgs/a", Status: task.StatusProgress}}}))
	exit := 2
	hub.Publish(task.SnapshotEvent(task.Snapshot{Task: tk, Timestamp: 3, Status: task.StatusResolved,
		Packages: []task.Package{{Path: "./pkgs/a", Status: task.StatusRejected, Logs: &task.Logs{ExitCode: &exit, Stderr: "boom\n"}}}}))

	out, err := execute(t, srv, "snapshots")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, "t1") != 1 || !strings.Contains(out, "resolved") {
		t.Errorf("overview should show the latest snapshot once:\n%s", out)
	}

	out, err = execute(t, srv, "snapshots", "t1", "--logs")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"pending", "exit 2", "boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail output missing %q:\n%s", want, out)
		}
	}
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	_, err := execute(t, srv, "tasks")
	if err == nil || !strings.Contains(err.Error(), "server returned 401") {
		t.Fatalf("err = %v", err)
	}
}

func TestFeedURL(t *testing.T) {
	tests := []struct {
		base, token, want string
	}{
		{"http://localhost:8000", "", "ws://localhost:8000/ws"},
		{"https://trok.example.com/", "abc", "wss://trok.example.com/ws?token=abc"},
	}
	for _, tt := range tests {
		got, err := newClient(tt.base, tt.token).feedURL()
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("feedURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestWatch_FollowsTaskUntilTerminal(t *testing.T) {
	srv, _, hub := newAPI(t)
	other := task.Task{ID: "other-task", Origin: "o", Branch: "dev", Selector: "HEAD"}
	mine := task.Task{ID: "t1", Origin: "o", Branch: "main", Selector: "HEAD"}
	hub.Publish(task.SnapshotEvent(task.Snapshot{Task: other, Timestamp: 1, Status: task.StatusPending}))
	hub.Publish(task.SnapshotEvent(task.Snapshot{Task: mine, Timestamp: 2, Status: task.StatusPending}))
	hub.Publish(task.SnapshotEvent(task.Snapshot{Task: mine, Timestamp: 3, Status: task.StatusRejected,
		Logs: &task.Logs{Message: "no package found"}}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if err := watch(ctx, url, &out, io.Discard, feedFilter{Task: "t1"}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "other-ta") {
		t.Errorf("unfiltered task printed:\n%s", got)
	}
	for _, want := range []string{"pending", "rejected", "no package found"} {
		if !strings.Contains(got, want) {
			t.Errorf("watch output missing %q:\n%s", want, got)
		}
	}
}

func TestWatch_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// nothing listens here, so every attempt fails and watch keeps backing off
	err := watch(ctx, "ws://127.0.0.1:1/ws", io.Discard, io.Discard, feedFilter{})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("watch = %v", err)
	}
}

func TestPrintEvent_Stream(t *testing.T) {
	ev := task.StreamEvent(task.StreamData{Task: task.Task{ID: "t1"}, Data: "compiling\n"})
	var out bytes.Buffer
	printEvent(&out, ev, feedFilter{})
	if out.Len() != 0 {
		t.Errorf("stream printed without --stream: %q", out.String())
	}
	printEvent(&out, ev, feedFilter{Stream: true})
	if out.String() != "compiling\n" {
		t.Errorf("stream output = %q", out.String())
	}
}

func TestLatest(t *testing.T) {
	snap := func(id string, ts int64) task.Snapshot {
		return task.Snapshot{Task: task.Task{ID: id}, Timestamp: ts}
	}
	got := latest([]task.Snapshot{snap("a", 1), snap("b", 2), snap("a", 3), snap("b", 4), snap("a", 5)})
	want := []task.Snapshot{snap("a", 5), snap("b", 4)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("latest mismatch (-want +got):\n%s", diff)
	}
}

func TestCollectDist(t *testing.T) {
	repo := t.TempDir()
	for _, name := range []string{
		".git/HEAD",
		"package.json",
		"pkgs/a/package.json",
		"pkgs/a/dist/index.js",
		"pkgs/b/package.json",
	} {
		p := filepath.Join(repo, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out, err := execute(t, nil, "collect-dist", repo)
	if err != nil {
		t.Fatalf("collect-dist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "dist", "pkgs", "a", "index.js")); err != nil {
		t.Errorf("dist not collected: %v", err)
	}
	if !strings.Contains(out, "./pkgs/a") {
		t.Errorf("output = %q", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, nil, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "trok ") {
		t.Errorf("version = %q", out)
	}
}
