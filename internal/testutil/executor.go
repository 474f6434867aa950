package testutil

import (
	"context"
	"strings"
	"sync"
)

// Call is one command recorded by FakeExecutor.
type Call struct {
	Dir  string
	Name string
	Args []string
}

// String renders the call as a command line, e.g. "git worktree add ...".
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

type response struct {
	output string
	err    error
}

// FakeExecutor is a command.Executor that records calls and answers from
// canned responses. Responses are matched by the longest registered prefix
// of the rendered command line; unmatched commands succeed with no output.
type FakeExecutor struct {
	mu        sync.Mutex
	calls     []Call
	responses map[string][]response
}

// NewFakeExecutor creates an executor with no canned responses.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{responses: make(map[string][]response)}
}

// On queues a response for commands starting with prefix. Queued responses
// are consumed in order; the last one repeats.
func (f *FakeExecutor) On(prefix, output string, err error) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = append(f.responses[prefix], response{output: output, err: err})
	return f
}

// Run records the call and returns the matching response.
func (f *FakeExecutor) Run(_ context.Context, dir string, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := Call{Dir: dir, Name: name, Args: append([]string(nil), args...)}
	f.calls = append(f.calls, call)

	line := call.String()
	best := ""
	found := false
	for prefix := range f.responses {
		if strings.HasPrefix(line, prefix) && (!found || len(prefix) > len(best)) {
			best, found = prefix, true
		}
	}
	if !found {
		return nil, nil
	}

	queue := f.responses[best]
	r := queue[0]
	if len(queue) > 1 {
		f.responses[best] = queue[1:]
	}
	return []byte(r.output), r.err
}

// Calls returns every recorded call in order.
func (f *FakeExecutor) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsMatching returns recorded calls whose command line starts with prefix.
func (f *FakeExecutor) CallsMatching(prefix string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if strings.HasPrefix(c.String(), prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Called reports whether any recorded call starts with prefix.
func (f *FakeExecutor) Called(prefix string) bool {
	return len(f.CallsMatching(prefix)) > 0
}
