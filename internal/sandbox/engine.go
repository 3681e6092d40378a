package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Config sets the engine's defaults and hard ceilings.
type Config struct {
	DefaultTimeout     time.Duration
	MaxTimeout         time.Duration
	DefaultOutputBytes int
	MaxOutputBytes     int
	MaxSteps           uint64   // 0 = unlimited
	MaxDepth           int      // nested run depth
	AllowedModules     []string // nil = every registered capability
}

// Engine executes jobs against a fixed set of capabilities.
type Engine struct {
	cfg    Config
	caps   map[string]Capability
	logger *slog.Logger
}

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

var errImportDenied = errors.New("module not allowed")

// NewEngine builds an engine. Only capabilities named in cfg.AllowedModules are
// loadable; the set is fixed for the engine's lifetime.
func NewEngine(cfg Config, logger *slog.Logger, caps ...Capability) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.DefaultOutputBytes <= 0 {
		cfg.DefaultOutputBytes = DefaultOutputBytes
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutput
	}
	if cfg.DefaultOutputBytes > cfg.MaxOutputBytes {
		cfg.DefaultOutputBytes = cfg.MaxOutputBytes
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}

	var allowed map[string]bool
	if cfg.AllowedModules != nil {
		allowed = make(map[string]bool, len(cfg.AllowedModules))
		for _, m := range cfg.AllowedModules {
			allowed[m] = true
		}
	}
	set := make(map[string]Capability, len(caps))
	for _, c := range caps {
		if allowed != nil && !allowed[c.Name()] {
			continue
		}
		set[c.Name()] = c
	}
	return &Engine{cfg: cfg, caps: set, logger: logger}
}

// Modules returns the names a job may load, sorted.
func (e *Engine) Modules() []string {
	return sortedNames(e.caps)
}

// Limits returns the effective default timeout and output size.
func (e *Engine) Limits() (time.Duration, int) {
	return e.cfg.DefaultTimeout, e.cfg.DefaultOutputBytes
}

// Execute runs job and classifies its outcome. A non-nil error means the job
// was rejected before running (ErrLimitExceeded) or the caller's context was
// cancelled; every other outcome is reported through Result.Status.
func (e *Engine) Execute(ctx context.Context, job Job) (*Result, error) {
	timeout, maxOut, err := e.limits(job)
	if err != nil {
		return nil, err
	}
	if job.Name == "" {
		job.Name = "job.star"
	}

	start := time.Now()
	res, err := e.run(ctx, job, timeout, maxOut)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)

	level := slog.LevelDebug
	if res.Status.Failed() {
		level = slog.LevelInfo
	}
	e.logger.Log(ctx, level, "sandbox job finished",
		slog.String("job", job.Name),
		slog.String("tenant", job.Caller.Tenant),
		slog.String("subject", job.Caller.Subject),
		slog.String("status", string(res.Status)),
		slog.Int("output_bytes", len(res.Output)),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

func (e *Engine) limits(job Job) (time.Duration, int, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > e.cfg.MaxTimeout {
		return 0, 0, fmt.Errorf("%w: timeout %s > %s", ErrLimitExceeded, timeout, e.cfg.MaxTimeout)
	}
	maxOut := job.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = e.cfg.DefaultOutputBytes
	}
	if maxOut > e.cfg.MaxOutputBytes {
		return 0, 0, fmt.Errorf("%w: max output %d > %d bytes", ErrLimitExceeded, maxOut, e.cfg.MaxOutputBytes)
	}
	if job.Depth > e.cfg.MaxDepth {
		return 0, 0, fmt.Errorf("%w: nesting depth %d > %d", ErrLimitExceeded, job.Depth, e.cfg.MaxDepth)
	}
	return timeout, maxOut, nil
}

func (e *Engine) run(ctx context.Context, job Job, timeout time.Duration, maxOut int) (*Result, error) {
	f, err := fileOptions.Parse(job.Name, job.Code, 0)
	if err != nil {
		return failure(StatusRuntimeError, "syntax error: "+faultMessage(err)), nil
	}
	for _, stmt := range f.Stmts {
		load, ok := stmt.(*syntax.LoadStmt)
		if !ok {
			continue
		}
		if _, ok := e.caps[load.ModuleName()]; !ok {
			return failure(StatusImportDenied, fmt.Sprintf("module %q is not allowed", load.ModuleName())), nil
		}
	}

	args, err := ToValue(job.Args)
	if err != nil {
		return nil, fmt.Errorf("binding args: %w", err)
	}
	if args == starlark.None {
		args = starlark.NewDict(0)
	}
	args.Freeze()
	predeclared := starlark.StringDict{"args": args}

	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return failure(StatusRuntimeError, faultMessage(err)), nil
	}

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := newLimitedWriter(maxOut)
	jc := &JobContext{
		Context:        jobCtx,
		Caller:         job.Caller,
		Depth:          job.Depth,
		Runner:         e,
		Timeout:        timeout,
		MaxOutputBytes: maxOut,
		Index:          e,
	}
	var denied string
	loaded := make(map[string]starlark.StringDict)
	thread := &starlark.Thread{
		Name: job.Name,
		Print: func(_ *starlark.Thread, msg string) {
			_, _ = out.Write([]byte(msg))
			_, _ = out.Write([]byte{'\n'})
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			c, ok := e.caps[module]
			if !ok {
				denied = module
				return nil, errImportDenied
			}
			if d, ok := loaded[module]; ok {
				return d, nil
			}
			d := moduleDict(c, jc)
			loaded[module] = d
			return d, nil
		},
	}
	if e.cfg.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(e.cfg.MaxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-jobCtx.Done():
			thread.Cancel(jobCtx.Err().Error())
		case <-done:
		}
	}()

	var value starlark.Value
	globals, err := prog.Init(thread, predeclared)
	if err == nil && job.CallMain {
		if main, ok := globals["main"].(starlark.Callable); ok {
			value, err = starlark.Call(thread, main, nil, kwargs(job.Args))
		}
	}

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, fmt.Errorf("job cancelled: %w", ctx.Err())
		case jobCtx.Err() != nil:
			return failure(StatusTimeout, fmt.Sprintf("execution exceeded %s", timeout)), nil
		case denied != "":
			return failure(StatusImportDenied, fmt.Sprintf("module %q is not allowed", denied)), nil
		case e.cfg.MaxSteps > 0 && thread.ExecutionSteps() >= e.cfg.MaxSteps:
			return failure(StatusRuntimeError, "execution step limit exceeded"), nil
		default:
			return failure(StatusRuntimeError, faultMessage(err)), nil
		}
	}

	res := &Result{Status: StatusOK, Output: out.String()}
	if out.truncated {
		res.Status = StatusOutputTruncated
	}
	if value != nil && value != starlark.None {
		if v, convErr := FromValue(value); convErr == nil {
			res.Value = v
		} else {
			res.Value = value.String()
		}
	}
	return res, nil
}

// CheckSyntax parses code without running it.
func CheckSyntax(code string) error {
	if _, err := fileOptions.Parse("check.star", code, 0); err != nil {
		return errors.New(bound(faultMessage(err)))
	}
	return nil
}

func kwargs(args map[string]any) []starlark.Tuple {
	out := make([]starlark.Tuple, 0, len(args))
	for k, v := range args {
		sv, err := ToValue(v)
		if err != nil {
			continue
		}
		out = append(out, starlark.Tuple{starlark.String(k), sv})
	}
	return out
}

func failure(status Status, msg string) *Result {
	return &Result{Status: status, Error: bound(msg)}
}

// faultMessage reduces an interpreter error to its message, without the
// Starlark backtrace.
func faultMessage(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Msg
	}
	return err.Error()
}

func bound(msg string) string {
	if len(msg) <= maxErrorBytes {
		return msg
	}
	cut := maxErrorBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
