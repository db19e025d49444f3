package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hookbuild/internal/build"
	"hookbuild/internal/config"
	"hookbuild/internal/history"
	"hookbuild/internal/origin"
	"hookbuild/internal/security"
)

const (
	testSecret = "s3cr3t"
	githubAddr = "192.30.252.10"
	foreignIP  = "203.0.113.5"
)

var pushPayload = []byte(`{"ref":"refs/heads/main"}`)

// countingRunner succeeds every build and tracks how many ran and how
// many ran at once.
type countingRunner struct {
	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
	release   chan struct{} // when set, builds block until it is closed
}

func (c *countingRunner) Run(ctx context.Context, req build.Request) *build.Result {
	c.calls.Add(1)
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		m := c.maxActive.Load()
		if n <= m || c.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if c.release != nil {
		<-c.release
	}
	time.Sleep(c.delay)
	return &build.Result{Success: true, Stdout: "built " + req.Ref + "\n"}
}

type testServer struct {
	*Server
	queue   *build.Queue
	handler http.Handler
}

func newTestServer(t *testing.T, runner build.Runner, modify func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Secret = testSecret
	cfg.RateLimit = 0
	cfg.Build.WorkDir = t.TempDir()
	cfg.History.DB = ""
	if modify != nil {
		modify(cfg)
	}

	ranges, err := origin.ParseRanges(cfg.AllowedRanges)
	if err != nil {
		t.Fatalf("ParseRanges() error = %v", err)
	}
	filter := origin.NewFilter(ranges, cfg.TrustProxy, cfg.ClientIPHeader)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var hist *history.History
	if cfg.History.DB != "" {
		hist, err = history.NewHistory(cfg.History.DB)
		if err != nil {
			t.Fatalf("NewHistory() error = %v", err)
		}
	}

	opts := build.QueueOptions{Depth: cfg.Build.QueueDepth, Logger: logger}
	if hist != nil {
		opts.OnFinish = func(job *build.Job, res *build.Result) {
			_, _ = hist.RecordBuild(context.Background(), history.RecordFor(job, res))
		}
	}
	queue := build.NewQueue(runner, opts)

	srv := NewServer(cfg, filter, queue, hist, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &testServer{Server: srv, queue: queue, handler: srv.Router()}
}

func webhookRequest(body []byte, signature, from string) *http.Request {
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:48211"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	if signature != "" {
		req.Header.Set(security.SignatureHeader, signature)
	}
	if from != "" {
		req.Header.Set("X-Forwarded-For", from)
	}
	return req
}

func signed(body []byte) string {
	return security.Sign(body, []byte(testSecret))
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rr.Body.String())
	}
	return response
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// background sends req on its own goroutine and returns the recorder once
// wg is done.
func (ts *testServer) background(wg *sync.WaitGroup, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	wg.Add(1)
	go func() {
		defer wg.Done()
		ts.handler.ServeHTTP(rr, req)
	}()
	return rr
}
