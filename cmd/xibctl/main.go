package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/config"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/hybrid"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

const defaultAPI = "http://localhost:8001"

var errUsage = errors.New("usage")

func main() {
	_ = config.LoadDotEnv()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "xibctl: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage:
  xibctl submit --command "make test" [--repo R] [--ref REF] [--runtime container] [--env K=V] [--timeout-seconds N] [--cpu N] [--memory-mb N]
  xibctl list [--state RUNNING]
  xibctl get <job_id>
  xibctl cancel <job_id>
  xibctl logs <job_id> [--tail N]
common flags: --url (XIB_API_URL, default http://localhost:8001)`)
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	switch args[0] {
	case "submit":
		return submit(args[1:], out)
	case "list":
		return list(args[1:], out)
	case "get":
		return get(args[1:], out)
	case "cancel":
		return cancel(args[1:], out)
	case "logs":
		return logs(args[1:], out)
	default:
		return errUsage
	}
}

type client struct {
	base string
	http *http.Client
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	api := fs.String("url", config.GetenvDefault("XIB_API_URL", defaultAPI), "control plane url")
	return fs, api
}

func newClient(api string) *client {
	return &client{base: strings.TrimRight(api, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

// envFlags collects repeated --env KEY=VALUE pairs.
type envFlags map[string]string

func (e envFlags) String() string { return fmt.Sprint(map[string]string(e)) }

func (e envFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("env must be KEY=VALUE, got %q", v)
	}
	e[key] = value
	return nil
}

func submit(args []string, out io.Writer) error {
	fs, api := newFlagSet("submit")
	repo := fs.String("repo", "", "repository")
	ref := fs.String("ref", "", "git ref")
	runtime := fs.String("runtime", "", "runtime (default container)")
	command := fs.String("command", "", `command as a JSON array or a shell-style string`)
	timeout := fs.Int("timeout-seconds", 0, "job timeout in seconds")
	cpu := fs.Int("cpu", 0, "cpu limit")
	memoryMB := fs.Int("memory-mb", 0, "memory limit in MB")
	env := envFlags{}
	fs.Var(env, "env", "environment variable KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	argv, err := hybrid.BuildCommand(*command)
	if err != nil {
		return fmt.Errorf("command: %w", err)
	}
	req := xibalba.CreateJobRequest{
		Repo:           *repo,
		Ref:            *ref,
		Runtime:        *runtime,
		Command:        argv,
		Env:            env,
		TimeoutSeconds: *timeout,
	}
	if *cpu > 0 || *memoryMB > 0 {
		req.ResourceLimits = &xibalba.ResourceLimits{CPU: *cpu, MemoryMB: *memoryMB}
	}
	if err := req.Validate(); err != nil {
		return err
	}
	var created xibalba.JobSummary
	if err := newClient(*api).do(http.MethodPost, "/jobs", req, http.StatusCreated, &created); err != nil {
		return err
	}
	fmt.Fprintf(out, "job_id=%s state=%s\n", created.JobID, created.State)
	return nil
}

func list(args []string, out io.Writer) error {
	fs, api := newFlagSet("list")
	state := fs.String("state", "", "only jobs in this state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := "/jobs"
	if s := strings.TrimSpace(*state); s != "" {
		path += "?state=" + url.QueryEscape(s)
	}
	var jobs []xibalba.JobSummary
	if err := newClient(*api).do(http.MethodGet, path, nil, http.StatusOK, &jobs); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB_ID\tSTATE\tRUNTIME\tREPO\tREF\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.JobID, j.State, j.Runtime, j.Repo, j.Ref, j.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func get(args []string, out io.Writer) error {
	fs, api := newFlagSet("get")
	if err := fs.Parse(args); err != nil {
		return err
	}
	jobID, err := jobArg(fs)
	if err != nil {
		return err
	}
	var job json.RawMessage
	if err := newClient(*api).do(http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, http.StatusOK, &job); err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, job, "", "  "); err != nil {
		return err
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}

func cancel(args []string, out io.Writer) error {
	fs, api := newFlagSet("cancel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	jobID, err := jobArg(fs)
	if err != nil {
		return err
	}
	if err := newClient(*api).do(http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "job_id=%s cancel requested\n", jobID)
	return nil
}

func logs(args []string, out io.Writer) error {
	fs, api := newFlagSet("logs")
	tail := fs.Int("tail", 0, "number of entries (default: server setting)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	jobID, err := jobArg(fs)
	if err != nil {
		return err
	}
	path := "/jobs/" + url.PathEscape(jobID) + "/logs"
	if *tail > 0 {
		path += "?tail=" + strconv.Itoa(*tail)
	}
	var lines []string
	if err := newClient(*api).do(http.MethodGet, path, nil, http.StatusOK, &lines); err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	return nil
}

// jobArg returns the single positional job id. Flags may follow it.
func jobArg(fs *flag.FlagSet) (string, error) {
	rest := fs.Args()
	if len(rest) == 0 || strings.TrimSpace(rest[0]) == "" {
		return "", errUsage
	}
	if len(rest) > 1 {
		if err := fs.Parse(rest[1:]); err != nil {
			return "", err
		}
	}
	return rest[0], nil
}

func (c *client) do(method, path string, payload any, want int, dst any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status=%s body=%s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}
