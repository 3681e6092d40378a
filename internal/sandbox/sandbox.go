// Package sandbox runs caller-supplied Starlark code under time, output and
// import restrictions. Jobs can only reach the capabilities the engine was
// constructed with; the language itself has no file, network or process access.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Status classifies the outcome of a job.
type Status string

const (
	StatusOK              Status = "ok"
	StatusImportDenied    Status = "import_denied"
	StatusTimeout         Status = "timeout"
	StatusRuntimeError    Status = "runtime_error"
	StatusOutputTruncated Status = "output_truncated"
)

// Failed reports whether the status is an execution failure. A truncated
// result still carries valid output.
func (s Status) Failed() bool {
	return s == StatusImportDenied || s == StatusTimeout || s == StatusRuntimeError
}

// ErrLimitExceeded is returned when a job declares a timeout or output size
// above the engine's hard ceilings. No interpreter is started.
var ErrLimitExceeded = errors.New("execution limit exceeds ceiling")

// Defaults and ceilings applied when the config leaves them unset.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxTimeout  = 5 * time.Minute
	DefaultOutputBytes = 100_000
	DefaultMaxOutput   = 1_000_000
	DefaultMaxDepth    = 3

	maxErrorBytes = 512
)

// Caller identifies who a job runs for and which workspace it may touch.
type Caller struct {
	Subject string
	Tenant  string
	Sandbox string
}

// Job is one unit of code to run.
type Job struct {
	Code           string
	Timeout        time.Duration // 0 = engine default
	MaxOutputBytes int           // 0 = engine default
	Caller         Caller
	Args           map[string]any // bound as the predeclared `args` dict
	// CallMain invokes main(**Args) after the module body when main is defined.
	CallMain bool
	// Depth counts nested runs started from inside a job.
	Depth int
	// Name labels the job in logs and error messages.
	Name string
}

// Result is the captured outcome of a job.
type Result struct {
	Status   Status        `json:"status"`
	Output   string        `json:"output"`
	Value    any           `json:"value,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Runner executes jobs. Implemented by *Engine and by instrumented wrappers.
type Runner interface {
	Execute(ctx context.Context, job Job) (*Result, error)
}
