// Package asr manages the speech-to-text engine subprocess: started
// once per process, restarted on crash, shared by every task in a
// worker. The engine speaks line-delimited JSON over the child's
// stdin/stdout pipes, one request per line, one response per line.
package asr

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/MorrisSimons/podcast-transcriber/internal/config"
	"github.com/MorrisSimons/podcast-transcriber/internal/errs"
	"github.com/MorrisSimons/podcast-transcriber/pkg/logger"
)

// Fixed decoding parameters, compiled constants so every worker in the
// fleet produces stable output for the same audio. Only the language
// hint comes from configuration (LANGUAGE, default "sv"); decoding
// itself is always greedy with VAD filtering and no cross-segment
// conditioning.
const (
	defaultLanguage         = "sv"
	vadFilter               = true
	beamSize                = 0
	temperature             = 0.0
	conditionOnPreviousText = false
)

// perFileTimeout bounds how long the engine may spend on one file; a
// batch gets the sum across its files. Exceeding it kills the engine
// subprocess and fails the remainder of the batch.
const perFileTimeout = 10 * time.Minute

// Segment is one decoded span of speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is what the engine returns for one file.
type Result struct {
	Segments            []Segment `json:"segments"`
	Language            string    `json:"language,omitempty"`
	LanguageProbability float64   `json:"language_probability,omitempty"`
}

// Text concatenates stripped segment texts separated by a newline,
// yielding the transcript body as uploaded.
func (r Result) Text() string {
	lines := make([]string, len(r.Segments))
	for i, seg := range r.Segments {
		lines[i] = strings.TrimSpace(seg.Text)
	}
	return strings.Join(lines, "\n")
}

// FileResult pairs one input path with either its Result or an error,
// preserving batch order without aborting sibling entries on failure.
type FileResult struct {
	Path   string
	Result Result
	Err    error
}

type request struct {
	ID       int      `json:"id"`
	Path     string   `json:"path"`
	Language string   `json:"language"`
	VAD      bool     `json:"vad_filter"`
	Beam     int      `json:"beam_size"`
	Temp     float64  `json:"temperature"`
	NoCond   bool     `json:"no_condition_on_previous_text"`
}

type response struct {
	ID     int    `json:"id"`
	Result Result `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Engine manages the persistent model subprocess. One Engine is shared
// by all scheduler workers in a process; calls are serialized through
// mu since the subprocess speaks one request at a time over its pipes.
type Engine struct {
	mu          sync.Mutex
	command     []string
	language    string
	computeType string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      *bufio.Reader
	nextID      int
	exited      chan struct{}
}

// NewEngine parses cfg.ASREngineCmd into an argv with shlex but does
// not start the subprocess yet; call EnsureRunning for that.
func NewEngine(cfg *config.Config) (*Engine, error) {
	parts, err := shlex.Split(cfg.ASREngineCmd)
	if err != nil || len(parts) == 0 {
		return nil, &errs.ConfigError{Var: "ASR_ENGINE_CMD", Err: fmt.Errorf("cannot parse command: %w", err)}
	}
	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}
	return &Engine{command: parts, language: lang, computeType: cfg.ComputeType}, nil
}

// EnsureRunning starts the subprocess if it is not already running.
func (e *Engine) EnsureRunning(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureRunningLocked()
}

func (e *Engine) ensureRunningLocked() error {
	if e.cmd != nil {
		select {
		case <-e.exited:
			// previous process has exited; fall through and respawn
		default:
			return nil
		}
	}

	// Deliberately not tied to a request context: the engine outlives
	// any one transcription call and is only torn down by Stop.
	cmd := exec.Command(e.command[0], e.command[1:]...)
	if e.computeType != "" {
		cmd.Env = append(os.Environ(), "COMPUTE_TYPE="+e.computeType)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &errs.ModelError{Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &errs.ModelError{Err: err}
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return &errs.ModelError{Err: fmt.Errorf("start engine: %w", err)}
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	e.cmd = cmd
	e.stdin = stdin
	e.stdout = bufio.NewReader(stdout)
	e.exited = exited
	logger.Startup("asr", "speech-to-text engine started")
	return nil
}

// restartLocked tears down a dead subprocess and starts a fresh one.
// Callers must hold e.mu.
func (e *Engine) restartLocked() error {
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	e.cmd = nil
	return e.ensureRunningLocked()
}

// TranscribeOne transcribes a single local audio file.
func (e *Engine) TranscribeOne(ctx context.Context, path string) (Result, error) {
	results := e.TranscribeBatch(ctx, []string{path})
	return results[0].Result, results[0].Err
}

// TranscribeBatch transcribes paths in order under a per-batch deadline
// (perFileTimeout per file). When a call fails before the deadline (a
// dead pipe or an error reported by the engine alike), the engine is
// restarted once and the current file retried; a second failure is reported per-file
// rather than aborting the call, so a partial batch still yields
// partial success. A deadline hit fails every remaining file.
func (e *Engine) TranscribeBatch(ctx context.Context, paths []string) []FileResult {
	out := make([]FileResult, len(paths))

	ctx, cancel := context.WithTimeout(ctx, time.Duration(len(paths))*perFileTimeout)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureRunningLocked(); err != nil {
		for i, p := range paths {
			out[i] = FileResult{Path: p, Err: err}
		}
		return out
	}

	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			out[i] = FileResult{Path: p, Err: &errs.ModelError{Path: p, Err: err}}
			continue
		}
		res, err := e.callLocked(ctx, p)
		if err != nil && ctx.Err() == nil {
			if restartErr := e.restartLocked(); restartErr != nil {
				out[i] = FileResult{Path: p, Err: &errs.ModelError{Path: p, Err: restartErr}}
				continue
			}
			res, err = e.callLocked(ctx, p)
		}
		if err != nil {
			out[i] = FileResult{Path: p, Err: &errs.ModelError{Path: p, Err: err}}
			continue
		}
		out[i] = FileResult{Path: p, Result: res}
	}
	return out
}

// callLocked sends one request and reads its matching response line.
// Callers must hold e.mu. On ctx expiry the subprocess is killed to
// unblock the pipe read; the next call respawns it.
func (e *Engine) callLocked(ctx context.Context, path string) (Result, error) {
	e.nextID++
	req := request{
		ID:       e.nextID,
		Path:     path,
		Language: e.language,
		VAD:      vadFilter,
		Beam:     beamSize,
		Temp:     temperature,
		NoCond:   !conditionOnPreviousText,
	}

	line, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	if _, err := e.stdin.Write(append(line, '\n')); err != nil {
		return Result{}, fmt.Errorf("write request: %w", err)
	}

	type readReply struct {
		raw []byte
		err error
	}
	replies := make(chan readReply, 1)
	go func() {
		raw, err := e.stdout.ReadBytes('\n')
		replies <- readReply{raw: raw, err: err}
	}()

	var raw []byte
	select {
	case <-ctx.Done():
		if e.cmd != nil && e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
		return Result{}, ctx.Err()
	case r := <-replies:
		if r.err != nil {
			return Result{}, fmt.Errorf("read response: %w", r.err)
		}
		raw = r.raw
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return Result{}, errors.New(resp.Error)
	}
	return resp.Result, nil
}

// Running reports whether the subprocess is currently alive, used by
// the supervisor's /readyz probe.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return false
	}
	select {
	case <-e.exited:
		return false
	default:
		return true
	}
}

// Stop terminates the subprocess, if running.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.cmd.Process == nil {
		return nil
	}
	err := e.cmd.Process.Kill()
	e.cmd = nil
	return err
}
