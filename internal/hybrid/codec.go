// Package hybrid implements the file queue used to run job commands outside
// the control plane. A producer drops "<job>.cmd" files into a queue
// directory; an agent claims each file by renaming it to "<job>.cmd.running",
// executes the command and publishes "<job>.result" into a results
// directory. Every file is written to a temp name and renamed into place.
package hybrid

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
)

const (
	MagicHeader    = "#hybrid-mode"
	SecretKey      = "SECRET_TOKEN"
	CommandSuffix  = ".cmd"
	RunningSuffix  = ".cmd.running"
	ResultSuffix   = ".result"
	CancelSuffix   = ".cancel"
	TruncateMarker = "\n...[truncated]"
)

var (
	ErrMissingHeader = fmt.Errorf("missing magic header %q", MagicHeader)
	ErrNoPayload     = errors.New("no command payload found")
)

// Command is a decoded command file.
type Command struct {
	// Secret is empty when the file carries no SECRET_TOKEN line.
	Secret  string
	Payload string
}

// EncodeCommand renders a command file. argv is written as a JSON array so
// no shell quoting is involved on either side.
func EncodeCommand(secret string, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, ErrNoPayload
	}
	payload, err := json.Marshal(argv)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteString(MagicHeader + "\n")
	if secret != "" {
		fmt.Fprintf(&b, "%s: %s\n", SecretKey, secret)
	}
	b.WriteString("\n")
	b.Write(payload)
	b.WriteString("\n")
	return b.Bytes(), nil
}

// ParseCommandFile splits a command file into its secret and payload. Leading
// blank lines are skipped; the first non-blank line must start with the magic
// header. Header lines of the form "key: value" follow until a blank line.
func ParseCommandFile(contents []byte) (Command, error) {
	text := strings.ReplaceAll(string(contents), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	idx := 0
	for idx < len(lines) && strings.TrimSpace(lines[idx]) == "" {
		idx++
	}
	if idx >= len(lines) {
		return Command{}, errors.New("no content")
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[idx]), MagicHeader) {
		return Command{}, ErrMissingHeader
	}
	idx++

	var cmd Command
	for idx < len(lines) {
		line := lines[idx]
		idx++
		if strings.TrimSpace(line) == "" {
			break
		}
		key, val, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), SecretKey) {
			cmd.Secret = strings.TrimSpace(val)
		}
	}

	cmd.Payload = strings.TrimSpace(strings.Join(lines[idx:], "\n"))
	if cmd.Payload == "" {
		return cmd, ErrNoPayload
	}
	return cmd, nil
}

// BuildCommand decodes a payload into argv. It accepts a JSON array of
// strings, an object {"command": [...]}, or a shell-style string split with
// POSIX quoting rules. The result is never run through a shell.
func BuildCommand(payload string) ([]string, error) {
	var list []string
	if err := json.Unmarshal([]byte(payload), &list); err == nil && len(list) > 0 {
		return list, nil
	}
	var obj struct {
		Command []string `json:"command"`
	}
	if err := json.Unmarshal([]byte(payload), &obj); err == nil && len(obj.Command) > 0 {
		return obj.Command, nil
	}

	argv, err := shlex.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("could not parse command payload")
	}
	return argv, nil
}

// Result is the JSON document an agent publishes for one command file.
type Result struct {
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Timestamp string `json:"timestamp"`
}

// resultTimestampLayout is shared by agent results and results the producer
// synthesizes on timeout.
const resultTimestampLayout = "2006-01-02T15:04:05.000000Z"

func newResult(exitCode int, stdout, stderr string, now time.Time) Result {
	return Result{
		ExitCode:  exitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		Timestamp: now.UTC().Format(resultTimestampLayout),
	}
}

// EncodeResult renders r as one compact JSON line.
func EncodeResult(r Result) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

func DecodeResult(raw []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("failed to parse result file: %w", err)
	}
	return r, nil
}

// JobIDFromName strips the command or running suffix from a queue file name.
func JobIDFromName(name string) string {
	name = filepath.Base(name)
	if strings.HasSuffix(name, RunningSuffix) {
		return strings.TrimSuffix(name, RunningSuffix)
	}
	return strings.TrimSuffix(name, CommandSuffix)
}

// writeAtomic writes data to a temp file in the target directory and renames
// it over path, so readers see either nothing or the whole file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// truncateOutput decodes raw output as UTF-8, replacing invalid bytes, and
// cuts it at limit bytes with a trailing marker.
func truncateOutput(raw []byte, limit int) string {
	truncated := false
	if limit > 0 && len(raw) > limit {
		raw = raw[:limit]
		truncated = true
	}
	s := strings.ToValidUTF8(string(raw), "�")
	if truncated {
		s += TruncateMarker
	}
	return s
}
