package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExecConfig configures a provider backed by a local command line tool.
type ExecConfig struct {
	Command string
	Args    []string
	// Env is appended to the inherited environment.
	Env []string
	Dir string
	// WaitDelay bounds how long output pipes are drained after the process
	// is killed.
	WaitDelay time.Duration
}

// ExecProvider writes the prompt to the command's stdin and reads the
// completion from stdout. Output that is a JSON object with a "result"
// field (the shape printed by agent CLIs in JSON mode) is unwrapped;
// anything else is returned verbatim.
type ExecProvider struct {
	cfg    ExecConfig
	logger *zap.Logger
}

// NewExecProvider checks that cfg.Command resolves on PATH.
func NewExecProvider(cfg ExecConfig, logger *zap.Logger) (*ExecProvider, error) {
	if cfg.Command == "" {
		return nil, errors.New("exec provider requires a command")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("exec provider: %w", err)
	}
	if cfg.WaitDelay == 0 {
		cfg.WaitDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecProvider{cfg: cfg, logger: logger}, nil
}

func (p *ExecProvider) Name() string { return "exec" }

type execResult struct {
	Result  *string `json:"result"`
	IsError bool    `json:"is_error"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete runs the command once. The process is killed when ctx ends.
func (p *ExecProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &Error{Kind: KindInvalid, Provider: p.Name(), Err: errors.New("prompt is empty")}
	}
	start := time.Now()

	input := req.Prompt
	if req.System != "" {
		input = req.System + "\n\n" + req.Prompt
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.Stdin = strings.NewReader(input)
	cmd.Dir = p.cfg.Dir
	cmd.WaitDelay = p.cfg.WaitDelay
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.cfg.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, contextError(ctx, p.Name())
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 2048 {
			msg = msg[:2048]
		}
		p.logger.Warn("completion command failed",
			zap.String("command", p.cfg.Command),
			zap.Error(err),
			zap.String("stderr", msg))
		return nil, &Error{Kind: KindFailed, Provider: p.Name(), Err: fmt.Errorf("%w: %s", err, msg)}
	}

	resp := &Response{Text: strings.TrimSpace(stdout.String()), Duration: time.Since(start)}
	var r execResult
	if json.Unmarshal(stdout.Bytes(), &r) == nil && r.Result != nil {
		if r.IsError {
			return nil, &Error{Kind: KindFailed, Provider: p.Name(), Err: errors.New(*r.Result)}
		}
		resp.Text = strings.TrimSpace(*r.Result)
		resp.InputTokens = r.Usage.InputTokens
		resp.OutputTokens = r.Usage.OutputTokens
	}
	if resp.Text == "" {
		return nil, &Error{Kind: KindFailed, Provider: p.Name(), Err: ErrEmpty}
	}
	return resp, nil
}

var _ Provider = (*ExecProvider)(nil)
