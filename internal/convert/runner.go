// Package convert defines the conversion collaborator contract and the
// exec-based runner that fulfills it. The runner hands the job payload to an
// external command as JSON on stdin; the command writes progress lines to
// stdout and its result document as the final stdout line.
package convert

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"fringe/internal/config"
	"fringe/internal/fileutil"
	"fringe/internal/logging"
	"fringe/internal/queue"
	"fringe/internal/services"
)

var commandContext = exec.CommandContext

// Result is the JSON document the conversion command reports on success.
type Result struct {
	ArtifactPath string   `json:"artifact_path"`
	ByteSize     int64    `json:"byte_size"`
	Checksum     string   `json:"checksum"`
	DecDegrees   *float64 `json:"dec_degrees,omitempty"`
}

// Converter turns a completed observation group into a measurement-set
// artifact. Implementations classify failures through the services sentinel
// markers so callers can separate retryable from permanent errors.
type Converter interface {
	Convert(ctx context.Context, payload queue.ConversionPayload) (*Result, error)
}

// ToolStatus reports the availability of the configured conversion command.
type ToolStatus struct {
	Command   string
	Available bool
	Detail    string
}

// Runner shells out to the configured conversion command.
type Runner struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner constructs the exec-based converter from configuration.
func NewRunner(cfg *config.Config, logger *slog.Logger) (*Runner, error) {
	command := strings.TrimSpace(cfg.Converter.Command)
	if command == "" {
		return nil, services.Wrap(services.ErrConfiguration, "convert", "new",
			"converter.command is not set; point it at the measurement-set builder", nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		command: command,
		args:    append([]string(nil), cfg.Converter.ExtraArgs...),
		timeout: cfg.ConverterTimeout(),
		logger:  logger.With(logging.String("component", "convert")),
	}, nil
}

// Convert invokes the external command for one group and verifies the
// artifact it reports.
func (r *Runner) Convert(ctx context.Context, payload queue.ConversionPayload) (*Result, error) {
	if err := payload.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "convert", "run", "invalid conversion payload", err)
	}
	if err := checkFragments(payload.FragmentPaths); err != nil {
		return nil, err
	}

	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode conversion payload: %w", err)
	}
	logger := logging.WithContext(ctx, r.logger)

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := commandContext(runCtx, r.command, r.args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(input)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "convert", "run",
			fmt.Sprintf("converter command %q could not be started; check converter.command", r.command), err)
	}

	var wg sync.WaitGroup
	tail := newLineTail(8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			logger.Debug("converter stderr", logging.String("line", line))
		}
	}()

	var result *Result
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		var doc Result
		if err := json.Unmarshal([]byte(line), &doc); err == nil && doc.ArtifactPath != "" {
			result = &doc
			continue
		}
		logger.Debug("converter output", logging.String("line", line))
	}
	scanErr := scanner.Err()
	wg.Wait()

	if waitErr := cmd.Wait(); waitErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, "convert", "run",
				fmt.Sprintf("conversion of %s exceeded the %s deadline", payload.GroupKey, r.timeout), waitErr)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("conversion interrupted: %w", ctx.Err())
		}
		return nil, services.Wrap(services.ErrExternalTool, "convert", "run",
			failureMessage(payload.GroupKey, waitErr, tail.lines()), waitErr)
	}
	if scanErr != nil {
		return nil, services.Wrap(services.ErrExternalTool, "convert", "run",
			fmt.Sprintf("read converter output for %s", payload.GroupKey), scanErr)
	}
	if result == nil {
		return nil, services.Wrap(services.ErrExternalTool, "convert", "run",
			fmt.Sprintf("converter exited cleanly for %s but reported no result document", payload.GroupKey), nil)
	}
	if err := r.verify(result); err != nil {
		return nil, err
	}
	return result, nil
}

// verify confirms the reported artifact is actually on disk and backfills the
// byte size when the converter left it unset.
func (r *Runner) verify(result *Result) error {
	info, err := os.Stat(result.ArtifactPath)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "convert", "verify",
			fmt.Sprintf("reported artifact %s is not on disk", result.ArtifactPath), err)
	}
	if !info.IsDir() && info.Size() == 0 {
		return services.Wrap(services.ErrExternalTool, "convert", "verify",
			fmt.Sprintf("reported artifact %s is empty", result.ArtifactPath), nil)
	}
	if result.ByteSize <= 0 {
		size, err := fileutil.Size(result.ArtifactPath)
		if err != nil {
			return services.Wrap(services.ErrExternalTool, "convert", "verify",
				fmt.Sprintf("measure artifact %s", result.ArtifactPath), err)
		}
		result.ByteSize = size
	}
	return nil
}

// CheckTool reports whether the conversion command is resolvable, for daemon
// health and preflight output.
func (r *Runner) CheckTool() ToolStatus {
	return CheckCommand(r.command)
}

// CheckCommand resolves an arbitrary command the way CheckTool does, for
// callers that do not hold a Runner.
func CheckCommand(command string) ToolStatus {
	if _, err := exec.LookPath(command); err != nil {
		return ToolStatus{
			Command:   command,
			Available: false,
			Detail:    fmt.Sprintf("binary %q not found", command),
		}
	}
	return ToolStatus{Command: command, Available: true, Detail: command}
}

// checkFragments rejects jobs whose inputs vanished or were truncated since
// enqueue. These cannot succeed on retry, so they classify as validation
// failures.
func checkFragments(paths []string) error {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return services.Wrap(services.ErrValidation, "convert", "run",
				fmt.Sprintf("fragment %s is no longer on disk", p), err)
		}
		if !info.Mode().IsRegular() {
			return services.Wrap(services.ErrValidation, "convert", "run",
				fmt.Sprintf("fragment %s is not a regular file", p), nil)
		}
		if info.Size() == 0 {
			return services.Wrap(services.ErrValidation, "convert", "run",
				fmt.Sprintf("fragment %s is empty", p), nil)
		}
	}
	return nil
}

func failureMessage(groupKey string, waitErr error, stderrTail []string) string {
	msg := fmt.Sprintf("conversion of %s failed", groupKey)
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		msg = fmt.Sprintf("conversion of %s exited with status %d", groupKey, exitErr.ExitCode())
	}
	if len(stderrTail) > 0 {
		msg += ": " + strings.Join(stderrTail, " | ")
	}
	return msg
}

// lineTail keeps the most recent lines of converter stderr for error
// messages.
type lineTail struct {
	mu    sync.Mutex
	limit int
	buf   []string
}

func newLineTail(limit int) *lineTail {
	return &lineTail{limit: limit}
}

func (t *lineTail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
}

func (t *lineTail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
