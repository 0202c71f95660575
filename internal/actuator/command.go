package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Command runs a local script per phase. The request is passed through
// WARMUP_* environment variables and as JSON on stdin; the script answers
// with a JSON Result on stdout, or just its exit code.
type Command struct {
	path   string
	args   []string
	logger *zap.SugaredLogger
}

// NewCommand creates a command actuator
func NewCommand(path string, args []string, logger *zap.SugaredLogger) (*Command, error) {
	if path == "" {
		return nil, fmt.Errorf("command actuator requires a path")
	}
	return &Command{path: path, args: args, logger: logger}, nil
}

func (c *Command) Name() string { return "command" }

func (c *Command) Execute(ctx context.Context, req *Request) (*Result, error) {
	// 1. Prepare environment variables
	env := map[string]string{
		"WARMUP_ACCOUNT_ID":      strconv.FormatInt(req.AccountID, 10),
		"WARMUP_USERNAME":        req.Username,
		"WARMUP_PHASE":           string(req.Phase),
		"WARMUP_PHASE_ID":        strconv.FormatInt(req.PhaseID, 10),
		"WARMUP_SESSION_ID":      req.SessionID,
		"WARMUP_SKIP_ONBOARDING": strconv.FormatBool(req.SkipOnboarding),
	}
	if req.ContainerNumber != nil {
		env["WARMUP_CONTAINER"] = strconv.Itoa(*req.ContainerNumber)
	}
	if req.ProxyID != nil {
		env["WARMUP_PROXY_ID"] = *req.ProxyID
	}
	if req.Media != nil {
		env["WARMUP_MEDIA"] = req.Media.Value
	}
	if req.Text != "" {
		env["WARMUP_TEXT"] = req.Text
	}

	stdin, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// 2. Run
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", c.path, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	c.logger.Debugw("Phase script finished",
		"phase", req.Phase,
		"account_id", req.AccountID,
		"exit_code", exitCode,
		"stdout_len", stdout.Len(),
		"stderr_len", stderr.Len(),
	)

	// 3. Parse output
	return parseCommandResult(exitCode, stdout.Bytes(), stderr.String(), elapsed), nil
}

func parseCommandResult(exitCode int, stdout []byte, stderr string, elapsed int64) *Result {
	var res Result
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &res); err != nil {
		res = Result{Success: exitCode == 0}
	}
	if exitCode != 0 {
		res.Success = false
		if res.ErrorMessage == "" {
			res.ErrorMessage = fmt.Sprintf("script exited with code %d: %s", exitCode, truncate(strings.TrimSpace(stderr), 200))
		}
	}
	if res.DurationMs == 0 {
		res.DurationMs = elapsed
	}
	return &res
}
