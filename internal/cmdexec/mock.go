package cmdexec

import (
	"context"
	"strings"
	"sync"
)

// Mock is a deterministic runner used by unit tests. Commands succeed with
// empty output unless a result is configured for their joined command line.
type Mock struct {
	mu sync.Mutex

	Calls   [][]string
	Results map[string]Result
}

func (m *Mock) Run(_ context.Context, name string, args ...string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := append([]string{name}, args...)
	m.Calls = append(m.Calls, call)
	if result, ok := m.Results[strings.Join(call, " ")]; ok {
		return result
	}
	return Result{Success: true}
}

// SetResult configures the result for an exact command line.
func (m *Mock) SetResult(commandLine string, result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Results == nil {
		m.Results = make(map[string]Result)
	}
	m.Results[commandLine] = result
}

// CallLines returns every recorded call as a joined command line.
func (m *Mock) CallLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := make([]string, 0, len(m.Calls))
	for _, call := range m.Calls {
		lines = append(lines, strings.Join(call, " "))
	}
	return lines
}

// Called reports whether an exact command line was executed.
func (m *Mock) Called(commandLine string) bool {
	for _, line := range m.CallLines() {
		if line == commandLine {
			return true
		}
	}
	return false
}
