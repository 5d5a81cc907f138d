// Package bridge runs the external diagnostic bridge (adb) as literal
// argument vectors. It never constructs shell strings: output filtering
// happens in-process after the call returns, which avoids the
// argument-unpacking failures caused by shell-interpreted pipelines.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// deviceIDPattern accepts USB serials ("1234ABCD", "emulator-5554"),
// wireless addresses ("192.168.1.100:5555") and mDNS names
// ("adb-xxxxx._adb-tls-connect._tcp.").
var deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)

// ValidateDeviceID rejects device ids that could not have come from a
// discovery listing before they reach an argument vector.
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if len(deviceID) > 256 {
		return fmt.Errorf("device ID too long (max 256 characters)")
	}
	if !deviceIDPattern.MatchString(deviceID) {
		return fmt.Errorf("invalid device ID format: contains illegal characters")
	}
	return nil
}

// Result captures one finished invocation. It is ephemeral: the caller
// that triggered the invocation hands it straight to a parser.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner is the executor contract the scheduler depends on. Tests
// substitute a scripted implementation.
type Runner interface {
	Execute(ctx context.Context, deviceID string, timeout time.Duration, args ...string) (*Result, error)
}

// Executor spawns bridge processes with a hard wall-clock timeout. It
// performs no caching, parsing, or state mutation.
type Executor struct {
	path    string
	limiter *rate.Limiter
	log     zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithRateLimit caps process spawn frequency. The adb server serializes
// device transport access internally; hammering it with parallel polls
// makes every call slower.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Executor) {
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewExecutor resolves the bridge binary and returns a ready executor.
// An empty path falls back to looking up "adb" on PATH. A missing
// binary is reported as FailExecutableNotFound immediately, not on
// first use.
func NewExecutor(path string, log zerolog.Logger, opts ...Option) (*Executor, error) {
	if path == "" {
		path = "adb"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, &CommandError{Kind: FailExecutableNotFound, err: err}
	}
	e := &Executor{
		path:    resolved,
		limiter: rate.NewLimiter(rate.Limit(50), 20),
		log:     log.With().Str("module", "bridge").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log.Debug().Str("path", resolved).Msg("Bridge executable resolved")
	return e, nil
}

// Path returns the resolved bridge binary path.
func (e *Executor) Path() string { return e.path }

// Execute runs one bridge command against a device. deviceID may be
// empty for server-level commands (discovery, version). A timeout of 0
// means the command is bounded only by ctx.
func (e *Executor) Execute(ctx context.Context, deviceID string, timeout time.Duration, args ...string) (*Result, error) {
	if deviceID != "" {
		if err := ValidateDeviceID(deviceID); err != nil {
			return nil, &CommandError{Kind: FailProcess, DeviceID: deviceID, err: err}
		}
		args = append([]string{"-s", deviceID}, args...)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.path, args...)
	cmd.Env = cleanEnviron()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		// Timeout beats everything else: the child was killed, so the
		// captured output is partial and must not leak to parsers.
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			e.log.Warn().Str("device", deviceID).Strs("args", args).Dur("after", elapsed).Msg("Command timed out, child terminated")
			return nil, &CommandError{Kind: FailTimeout, DeviceID: deviceID, err: runCtx.Err()}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, &CommandError{Kind: FailExecutableNotFound, DeviceID: deviceID, err: err}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			kind := classifyStderr(stderr.String())
			return nil, &CommandError{
				Kind:     kind,
				DeviceID: deviceID,
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
				err:      err,
			}
		}
		return nil, &CommandError{Kind: FailProcess, DeviceID: deviceID, Stderr: stderr.String(), err: err}
	}

	return &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
		Duration: elapsed,
	}, nil
}

// classifyStderr maps the bridge's recognizable stderr markers onto the
// failure taxonomy. A non-zero exit with no marker is a plain process
// error (device-side command failure).
func classifyStderr(stderr string) FailureKind {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "device offline"),
		strings.Contains(s, "device still connecting"),
		strings.Contains(s, "not found") && strings.Contains(s, "device"):
		return FailDeviceOffline
	case strings.Contains(s, "unauthorized"):
		return FailUnauthorized
	case strings.Contains(s, "unknown package"),
		strings.Contains(s, "not installed for"),
		strings.Contains(s, "no such package"):
		return FailNoSuchPackage
	default:
		return FailProcess
	}
}

// cleanEnviron strips proxy variables from the child environment. Some
// adb builds route their server connection through HTTP proxies when
// these are set, which breaks localhost transport.
func cleanEnviron() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	proxyVars := []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}
	for _, e := range env {
		isProxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(e, v+"=") {
				isProxy = true
				break
			}
		}
		if !isProxy {
			out = append(out, e)
		}
	}
	return out
}
