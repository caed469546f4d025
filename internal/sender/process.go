// Package sender runs the external messaging process that delivers
// notifications.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/legiswatch/internal/monitor"
)

const outputLimit = 4 << 10

// Config describes how the sender is located and invoked.
type Config struct {
	Interpreter string        `mapstructure:"interpreter"`
	VersionArgs []string      `mapstructure:"version_args"`
	Scripts     []string      `mapstructure:"scripts"`
	Required    []string      `mapstructure:"required"`
	WaitDelay   time.Duration `mapstructure:"wait_delay"`
}

// DefaultConfig mirrors a Node sender with its npm bundle beside the script.
func DefaultConfig() Config {
	return Config{
		Interpreter: "node",
		VersionArgs: []string{"-v"},
		Required:    []string{"package.json", "node_modules/"},
		WaitDelay:   5 * time.Second,
	}
}

// Process implements monitor.Dispatcher by spawning the sender once per item.
type Process struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Process. Zero fields fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger) *Process {
	def := DefaultConfig()
	if cfg.Interpreter == "" {
		cfg.Interpreter = def.Interpreter
		if cfg.VersionArgs == nil {
			cfg.VersionArgs = def.VersionArgs
		}
	}
	if cfg.Required == nil {
		cfg.Required = def.Required
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = def.WaitDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{cfg: cfg, logger: logger}
}

// Check verifies the interpreter answers, the script exists and the
// dependency bundle is installed next to it.
func (p *Process) Check(ctx context.Context) error {
	interpreter, err := p.interpreter()
	if err != nil {
		return err
	}
	if len(p.cfg.VersionArgs) > 0 {
		out, err := exec.CommandContext(ctx, interpreter, p.cfg.VersionArgs...).CombinedOutput()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &monitor.SenderUnavailable{Reason: "interpreter version check failed: " + tail(out), Err: err}
		}
		p.logger.Debug("sender interpreter", zap.String("path", interpreter), zap.String("version", strings.TrimSpace(string(out))))
	}
	script, err := p.script()
	if err != nil {
		return err
	}
	return p.bundle(filepath.Dir(script))
}

// bundle verifies every required entry exists in dir. Entries ending in "/"
// must be directories.
func (p *Process) bundle(dir string) error {
	for _, entry := range p.cfg.Required {
		wantDir := strings.HasSuffix(entry, "/")
		info, err := os.Stat(filepath.Join(dir, strings.TrimSuffix(entry, "/")))
		if err != nil {
			return &monitor.SenderUnavailable{Reason: fmt.Sprintf("missing %s in %s", entry, dir), Err: err}
		}
		if wantDir && !info.IsDir() {
			return &monitor.SenderUnavailable{Reason: fmt.Sprintf("%s in %s is not a directory", entry, dir)}
		}
	}
	return nil
}

// Dispatch runs `interpreter script "r1,r2" message [attachment]` from the
// script's directory and returns its exit code. The interpreter, script and
// dependency bundle are verified before every run.
func (p *Process) Dispatch(ctx context.Context, req monitor.DispatchRequest) (int, error) {
	interpreter, err := p.interpreter()
	if err != nil {
		return -1, err
	}
	script, err := p.script()
	if err != nil {
		return -1, err
	}
	if err := p.bundle(filepath.Dir(script)); err != nil {
		return -1, err
	}

	args := []string{script, strings.Join(req.Recipients, ","), req.Message}
	if usable(req.Attachment) {
		args = append(args, req.Attachment)
	} else if req.Attachment != "" {
		p.logger.Warn("attachment dropped", zap.String("path", req.Attachment))
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, interpreter, args...)
	cmd.Dir = filepath.Dir(script)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = p.cfg.WaitDelay

	start := time.Now()
	err = cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			p.logger.Warn("sender failed",
				zap.Int("exit_code", code),
				zap.Int("recipients", len(req.Recipients)),
				zap.String("output", tail(out.Bytes())),
			)
			return code, &monitor.DispatchFailed{ExitCode: code, Err: err}
		}
		return -1, &monitor.SenderUnavailable{Reason: "start sender", Err: err}
	}
	p.logger.Info("sender finished",
		zap.Int("recipients", len(req.Recipients)),
		zap.Bool("attachment", len(args) == 4),
		zap.Duration("duration", time.Since(start)),
	)
	return 0, nil
}

func (p *Process) interpreter() (string, error) {
	path, err := exec.LookPath(p.cfg.Interpreter)
	if err != nil {
		return "", &monitor.SenderUnavailable{Reason: fmt.Sprintf("interpreter %q not found", p.cfg.Interpreter), Err: err}
	}
	return path, nil
}

// script returns the first configured candidate that is a regular file.
func (p *Process) script() (string, error) {
	for _, candidate := range p.cfg.Scripts {
		info, err := os.Stat(candidate)
		if err == nil && info.Mode().IsRegular() {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return "", &monitor.SenderUnavailable{Reason: "resolve script path", Err: err}
			}
			return abs, nil
		}
	}
	return "", &monitor.SenderUnavailable{Reason: fmt.Sprintf("sender script not found in %v", p.cfg.Scripts)}
}

func usable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > outputLimit {
		s = s[len(s)-outputLimit:]
	}
	return s
}
