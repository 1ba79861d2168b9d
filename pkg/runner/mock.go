package runner

import "io"

// Call records a single command invocation made through a MockRunner.
type Call struct {
	Name string
	Args []string
}

// MockRunner implements Runner without executing anything. It records
// every invocation, serves canned output keyed by command name, and can
// inject a failure for one command or for every command.
type MockRunner struct {
	Calls []Call

	// Outputs maps a command name to the bytes returned by Output.
	Outputs map[string][]byte

	// Err is returned for any invocation whose name equals FailName.
	// With an empty FailName, a non-nil Err fails every invocation.
	Err      error
	FailName string
}

func (m *MockRunner) record(name string, args ...string) error {
	m.Calls = append(m.Calls, Call{Name: name, Args: args})
	if m.Err != nil && (m.FailName == "" || m.FailName == name) {
		return m.Err
	}
	return nil
}

func (m *MockRunner) Run(stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error {
	return m.record(name, args...)
}

func (m *MockRunner) Output(name string, args ...string) ([]byte, error) {
	if err := m.record(name, args...); err != nil {
		return nil, err
	}
	return m.Outputs[name], nil
}

// CommandNames returns the names of all recorded invocations in order.
func (m *MockRunner) CommandNames() []string {
	names := make([]string, 0, len(m.Calls))
	for _, c := range m.Calls {
		names = append(names, c.Name)
	}
	return names
}
