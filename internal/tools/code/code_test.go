package code

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

var caller = sandbox.Caller{Subject: "alice", Tenant: "acme", Sandbox: "search"}

type recordingRunner struct {
	job    sandbox.Job
	result *sandbox.Result
	err    error
}

func (r *recordingRunner) Execute(_ context.Context, job sandbox.Job) (*sandbox.Result, error) {
	r.job = job
	return r.result, r.err
}

func call(t *testing.T, runner sandbox.Runner, params map[string]any) (*tools.Result, error) {
	t.Helper()
	reg := tools.NewRegistry()
	reg.Register(NewTool(runner, []string{"json"}, nil))
	return reg.Call(context.Background(), caller, "execute_code", params)
}

func TestExecuteBuildsJob(t *testing.T) {
	rr := &recordingRunner{result: &sandbox.Result{Status: sandbox.StatusOK, Output: "hi\n"}}
	res, err := call(t, rr, map[string]any{
		"code":             "print('hi')",
		"timeout_seconds":  float64(5),
		"max_output_bytes": float64(1000),
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Output != "hi\n" || res.Status != sandbox.StatusOK {
		t.Errorf("result = %+v", res)
	}
	if rr.job.Timeout != 5*time.Second || rr.job.MaxOutputBytes != 1000 {
		t.Errorf("job limits = %s / %d", rr.job.Timeout, rr.job.MaxOutputBytes)
	}
	if rr.job.Caller != caller {
		t.Errorf("job caller = %+v", rr.job.Caller)
	}
}

func TestFailedStatusesBecomeErrors(t *testing.T) {
	tests := []struct {
		status sandbox.Status
		kind   tools.Kind
	}{
		{sandbox.StatusImportDenied, tools.KindImportDenied},
		{sandbox.StatusTimeout, tools.KindTimeout},
		{sandbox.StatusRuntimeError, tools.KindRuntimeError},
	}
	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			rr := &recordingRunner{result: &sandbox.Result{Status: tc.status, Error: "boom", Output: "partial"}}
			_, err := call(t, rr, map[string]any{"code": "x"})
			var te *tools.Error
			if !errors.As(err, &te) {
				t.Fatalf("err = %v, want *tools.Error", err)
			}
			if te.Kind != tc.kind || te.Kind.Class() != tools.ClassExecution {
				t.Errorf("kind = %s", te.Kind)
			}
			if strings.Contains(te.Message, "partial") {
				t.Errorf("message leaks output: %q", te.Message)
			}
		})
	}
}

func TestTruncatedIsSuccess(t *testing.T) {
	rr := &recordingRunner{result: &sandbox.Result{Status: sandbox.StatusOutputTruncated, Output: strings.Repeat("x", 10)}}
	res, err := call(t, rr, map[string]any{"code": "x"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Status != sandbox.StatusOutputTruncated {
		t.Errorf("status = %s", res.Status)
	}
}

func TestInvalidParams(t *testing.T) {
	rr := &recordingRunner{}
	for _, params := range []map[string]any{
		{},
		{"code": ""},
		{"code": "x", "timeout_seconds": "ten"},
		{"code": "x", "timeout_seconds": float64(-1)},
		{"code": "x", "max_output_bytes": 1.5},
	} {
		_, err := call(t, rr, params)
		if tools.Classify(err) != tools.KindInvalidArguments {
			t.Errorf("params %v: err = %v", params, err)
		}
	}
}

func TestAgainstEngine(t *testing.T) {
	engine := sandbox.NewEngine(sandbox.Config{MaxTimeout: time.Minute}, nil, sandbox.StandardModules()...)

	_, err := call(t, engine, map[string]any{"code": "print(1)", "timeout_seconds": float64(120)})
	if tools.Classify(err) != tools.KindLimitExceeded {
		t.Errorf("over-ceiling timeout: err = %v", err)
	}

	res, err := call(t, engine, map[string]any{"code": `load("json", "encode")` + "\nprint(encode({'a': 1}))"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Output != "{\"a\":1}\n" {
		t.Errorf("Output = %q", res.Output)
	}
}
