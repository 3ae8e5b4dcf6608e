package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// ExecRenderer runs an external browser service once per render. The
// request is written to stdin as JSON and the payload read from stdout.
type ExecRenderer struct {
	logger  *slog.Logger
	command []string
}

// ExecOption configures an ExecRenderer.
type ExecOption func(*ExecRenderer)

// WithExecLogger sets a custom logger.
func WithExecLogger(logger *slog.Logger) ExecOption {
	return func(r *ExecRenderer) { r.logger = logger }
}

// NewExec returns a renderer that runs command (program and arguments).
func NewExec(command []string, opts ...ExecOption) (*ExecRenderer, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("browser command is empty")
	}
	r := &ExecRenderer{command: append([]string(nil), command...), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Render runs the command. Output that is not a JSON payload yields ErrMalformed.
func (r *ExecRenderer) Render(ctx context.Context, req Request) (Payload, error) {
	if d := req.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	in, err := json.Marshal(req)
	if err != nil {
		return Payload{}, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...) //nolint:gosec // operator-configured command
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.DebugContext(ctx, "running browser command", "command", r.command[0], "url", req.URL)
	if err := cmd.Run(); err != nil {
		return Payload{}, fmt.Errorf("browser command: %w (stderr: %s)", err, truncate(stderr.String(), 200))
	}

	p, err := Decode(bytes.TrimSpace(stdout.Bytes()))
	if err != nil {
		r.logger.WarnContext(ctx, "browser command returned unusable output", "url", req.URL, "bytes", stdout.Len())
		return Payload{}, err
	}
	return p, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
