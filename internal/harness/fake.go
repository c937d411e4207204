package harness

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call records one invocation seen by the FakeRunner.
type Call struct {
	Name string
	Args []string
}

// FakeRunner is a scripted Runner for tests, keyed by command name + args.
type FakeRunner struct {
	mu    sync.Mutex
	calls []Call
	stubs map[string]stub
}

type stub struct {
	result Result
	err    error
}

// NewFakeRunner creates an empty scripted runner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{stubs: make(map[string]stub)}
}

// Script registers the result for an exact command + args invocation.
func (f *FakeRunner) Script(name string, args []string, result Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs[stubKey(name, args)] = stub{result: result, err: err}
}

// Run returns the scripted result, or an error naming the missing stub.
func (f *FakeRunner) Run(_ context.Context, spec Spec) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Name: spec.Name, Args: append([]string(nil), spec.Args...)})
	st, ok := f.stubs[stubKey(spec.Name, spec.Args)]
	if !ok {
		return Result{ExitCode: -1}, fmt.Errorf("missing stub for command %s %s", spec.Name, strings.Join(spec.Args, " "))
	}
	if spec.OnLine != nil && st.result.Stdout != "" {
		for _, line := range strings.Split(strings.TrimRight(st.result.Stdout, "\n"), "\n") {
			spec.OnLine("stdout", line)
		}
	}
	return st.result, st.err
}

// Calls returns a copy of the recorded invocations.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func stubKey(name string, args []string) string {
	return fmt.Sprintf("%s\x00%s", name, strings.Join(args, "\x00"))
}
