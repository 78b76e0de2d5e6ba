package exec

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	osexec "os/exec"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/adapters/annotator"
	"github.com/harunnryd/livetag/pkg/configutil"
	"github.com/harunnryd/livetag/pkg/logging"
	"github.com/mattn/go-shellwords"
)

type Config struct {
	// Command is parsed with shell quoting rules, e.g. `python3 tagger.py --model "my model"`.
	Command string            `mapstructure:"command"`
	Dir     string            `mapstructure:"dir"`
	Env     map[string]string `mapstructure:"env"`
	// Timeout bounds one request/response exchange.
	Timeout time.Duration `mapstructure:"timeout"`
}

func SettingsSchema() configutil.Schema {
	return configutil.Schema{Required: []string{"command"}, Optional: []string{"dir", "env", "timeout"}}
}

type request struct {
	Op     string  `json:"op"`
	Word   string  `json:"word,omitempty"`
	Timing float64 `json:"timing,omitempty"`
	N      int     `json:"n,omitempty"`
}

type response struct {
	Tags  []string `json:"tags"`
	Error string   `json:"error"`
}

// Annotator drives a long-lived tagger process over JSON lines on its
// stdin/stdout. Requests are strictly sequential. A process that fails an
// exchange is replaced on the next Reset.
type Annotator struct {
	cfg  Config
	args []string
	log  *slog.Logger

	mu     sync.Mutex
	cmd    *osexec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	output []string
	words  []string
	dead   error
	closed bool
}

// New starts the process and waits for it to answer a reset request, so a
// returned annotator is ready to tag.
func New(ctx context.Context, cfg Config) (*Annotator, error) {
	if err := configutil.RequireString(cfg.Command, "command"); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	args, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("command is empty")
	}
	a := &Annotator{
		cfg:  cfg,
		args: args,
		log:  logging.NewComponentLogger(slog.Default(), "exec_annotator"),
	}
	if err := a.spawn(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// spawn starts a fresh process and performs the reset handshake. The caller
// holds mu or owns a exclusively.
func (a *Annotator) spawn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := osexec.Command(a.args[0], a.args[1:]...)
	cmd.Dir = a.cfg.Dir
	cmd.Stderr = os.Stderr
	if len(a.cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range a.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", a.args[0], err)
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	a.cmd = cmd
	a.stdin = stdin
	a.stdout = scanner
	a.dead = nil

	if _, err := a.call(request{Op: "reset"}); err != nil {
		a.terminate(0)
		return fmt.Errorf("tagger handshake: %w", err)
	}
	a.log.Debug("exec_annotator_ready", "command", a.args[0], "pid", cmd.Process.Pid)
	return nil
}

// terminate closes stdin and waits up to grace for the process to exit
// before killing it.
func (a *Annotator) terminate(grace time.Duration) {
	if a.cmd == nil || a.cmd.Process == nil {
		return
	}
	_ = a.stdin.Close()
	done := make(chan error, 1)
	go func(cmd *osexec.Cmd) { done <- cmd.Wait() }(a.cmd)
	select {
	case <-done:
	case <-time.After(grace):
		_ = a.cmd.Process.Kill()
		<-done
	}
	a.cmd = nil
	if a.dead == nil {
		a.dead = errors.New("tagger stopped")
	}
}

func Factory(ctx context.Context, settings map[string]any) (annotator.Annotator, error) {
	if err := configutil.ValidateSettings(settings, SettingsSchema()); err != nil {
		return nil, fmt.Errorf("exec settings: %w", err)
	}
	var cfg Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("exec settings: %w", err)
	}
	return New(ctx, cfg)
}

func (a *Annotator) Name() string { return "exec" }

// call performs one exchange. Once an exchange fails or times out the
// process is considered dead and every later call fails.
func (a *Annotator) call(req request) ([]string, error) {
	if a.dead != nil {
		return nil, a.dead
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	var resp response
	stdin, stdout := a.stdin, a.stdout
	go func() {
		if _, err := stdin.Write(append(payload, '\n')); err != nil {
			done <- fmt.Errorf("write request: %w", err)
			return
		}
		if !stdout.Scan() {
			err := stdout.Err()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			done <- fmt.Errorf("read response: %w", err)
			return
		}
		done <- json.Unmarshal(stdout.Bytes(), &resp)
	}()

	timer := time.NewTimer(a.cfg.Timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			a.dead = err
			return nil, err
		}
	case <-timer.C:
		a.dead = fmt.Errorf("tagger did not answer %q within %s", req.Op, a.cfg.Timeout)
		return nil, a.dead
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Tags, nil
}

func (a *Annotator) Tag(word string, timing float64) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tags, err := a.call(request{Op: "tag", Word: word, Timing: timing})
	if err != nil {
		return nil, err
	}
	a.words = append(a.words, word)
	a.output = append(a.output, "")
	if len(tags) > len(a.output) {
		return nil, fmt.Errorf("tagger revised %d tags for %d words", len(tags), len(a.output))
	}
	copy(a.output[len(a.output)-len(tags):], tags)
	return tags, nil
}

func (a *Annotator) Rollback(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 0 || n > len(a.words) {
		return fmt.Errorf("%w: %d of %d", annotator.ErrRollbackRange, n, len(a.words))
	}
	if n == 0 {
		return nil
	}
	tags, err := a.call(request{Op: "rollback", N: n})
	if err != nil {
		return err
	}
	a.words = a.words[:len(a.words)-n]
	a.output = a.output[:len(a.output)-n]
	if len(tags) > 0 && len(tags) <= len(a.output) {
		copy(a.output[len(a.output)-len(tags):], tags)
	}
	return nil
}

func (a *Annotator) OutputTags(withWords bool) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.output))
	for i, t := range a.output {
		if withWords {
			out[i] = a.words[i] + "\t" + t
		} else {
			out[i] = t
		}
	}
	return out
}

// Reset clears the tag state. A tagger whose process failed an exchange is
// killed and started again, so the worker returns to its pool clean.
func (a *Annotator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.words = nil
	a.output = nil
	if a.closed {
		return
	}
	if a.dead == nil {
		if _, err := a.call(request{Op: "reset"}); err == nil {
			return
		}
	}
	a.log.Warn("exec_annotator_restart", "error", a.dead)
	a.terminate(0)
	if err := a.spawn(context.Background()); err != nil {
		a.log.Error("exec_annotator_restart_failed", "error", err)
	}
}

// Close ends the tagger process.
func (a *Annotator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.terminate(time.Second)
	a.dead = errors.New("tagger closed")
	return nil
}

var _ annotator.Annotator = (*Annotator)(nil)
