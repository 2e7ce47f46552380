package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

type fakeAPI struct {
	mu      sync.Mutex
	created []xibalba.CreateJobRequest
	paths   []string
}

func (f *fakeAPI) requests() []xibalba.CreateJobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]xibalba.CreateJobRequest(nil), f.created...)
}

func (f *fakeAPI) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func newFakeAPI(t *testing.T) (*httptest.Server, *fakeAPI) {
	t.Helper()
	f := &fakeAPI{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.paths = append(f.paths, req.Method+" "+req.URL.RequestURI())
		switch {
		case req.Method == http.MethodPost && req.URL.Path == "/jobs":
			var body xibalba.CreateJobRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.created = append(f.created, body)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(xibalba.JobSummary{JobID: "job-1", State: xibalba.StatePending})
		case req.Method == http.MethodGet && req.URL.Path == "/jobs":
			_ = json.NewEncoder(w).Encode([]xibalba.JobSummary{{
				JobID:     "job-1",
				State:     xibalba.StateRunning,
				Runtime:   "container",
				Repo:      "dam",
				Ref:       "main",
				CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			}})
		case req.Method == http.MethodGet && req.URL.Path == "/jobs/job-1":
			_, _ = w.Write([]byte(`{"job_id":"job-1","state":"SUCCESS"}`))
		case req.Method == http.MethodPost && req.URL.Path == "/jobs/job-1/cancel":
			w.WriteHeader(http.StatusNoContent)
		case req.Method == http.MethodGet && req.URL.Path == "/jobs/job-1/logs":
			_ = json.NewEncoder(w).Encode([]string{"[ts] one", "[ts] two"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"job not found"}`))
		}
	}))
	t.Cleanup(ts.Close)
	return ts, f
}

func TestSubmitBuildsCreateRequest(t *testing.T) {
	t.Parallel()
	ts, api := newFakeAPI(t)
	var out bytes.Buffer
	err := run([]string{
		"submit", "--url", ts.URL,
		"--repo", "dam", "--ref", "main",
		"--command", `make "unit tests"`,
		"--env", "A=1", "--env", "B=x=y",
		"--timeout-seconds", "60", "--memory-mb", "256",
	}, &out)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.String() != "job_id=job-1 state=PENDING\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
	created := api.requests()
	if len(created) != 1 {
		t.Fatalf("expected one create call, got %d", len(created))
	}
	req := created[0]
	if strings.Join(req.Command, "|") != "make|unit tests" {
		t.Fatalf("unexpected argv %q", req.Command)
	}
	if req.Env["A"] != "1" || req.Env["B"] != "x=y" || req.TimeoutSeconds != 60 {
		t.Fatalf("unexpected request %#v", req)
	}
	if req.ResourceLimits == nil || req.ResourceLimits.MemoryMB != 256 {
		t.Fatalf("expected resource limits, got %#v", req.ResourceLimits)
	}
}

func TestSubmitAcceptsJSONCommand(t *testing.T) {
	t.Parallel()
	ts, api := newFakeAPI(t)
	if err := run([]string{"submit", "--url", ts.URL, "--command", `["echo","a b"]`}, &bytes.Buffer{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := api.requests()[0].Command; len(got) != 2 || got[1] != "a b" {
		t.Fatalf("unexpected argv %q", got)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	t.Parallel()
	ts, api := newFakeAPI(t)
	for _, args := range [][]string{
		{"submit", "--url", ts.URL},
		{"submit", "--url", ts.URL, "--command", "echo", "--env", "novalue"},
		{"submit", "--url", ts.URL, "--command", `echo "open`},
	} {
		if err := run(args, &bytes.Buffer{}); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if len(api.requests()) != 0 {
		t.Fatalf("invalid input must not reach the server")
	}
}

func TestListGetCancelLogs(t *testing.T) {
	t.Parallel()
	ts, api := newFakeAPI(t)

	var out bytes.Buffer
	if err := run([]string{"list", "--url", ts.URL, "--state", "running"}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "JOB_ID") || !strings.Contains(out.String(), "job-1") || !strings.Contains(out.String(), "2024-01-02T03:04:05Z") {
		t.Fatalf("unexpected list output %q", out.String())
	}

	out.Reset()
	if err := run([]string{"get", "--url", ts.URL, "job-1"}, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out.String(), `"state": "SUCCESS"`) {
		t.Fatalf("expected indented json, got %q", out.String())
	}

	out.Reset()
	if err := run([]string{"cancel", "--url", ts.URL, "job-1"}, &out); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.String() != "job_id=job-1 cancel requested\n" {
		t.Fatalf("unexpected cancel output %q", out.String())
	}

	out.Reset()
	if err := run([]string{"logs", "--url", ts.URL, "job-1", "--tail", "2"}, &out); err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out.String() != "[ts] one\n[ts] two\n" {
		t.Fatalf("unexpected logs output %q", out.String())
	}

	want := []string{"GET /jobs?state=running", "GET /jobs/job-1", "POST /jobs/job-1/cancel", "GET /jobs/job-1/logs?tail=2"}
	if got := api.calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
}

func TestServerErrorsAreReported(t *testing.T) {
	t.Parallel()
	ts, _ := newFakeAPI(t)
	err := run([]string{"get", "--url", ts.URL, "missing"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "job not found") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{nil, {"bogus"}, {"get"}, {"cancel", "--url", "http://x"}} {
		if err := run(args, &bytes.Buffer{}); !errors.Is(err, errUsage) {
			t.Fatalf("expected usage error for %v, got %v", args, err)
		}
	}
}
