package backend

import (
	"context"
	"os/exec"
	"strings"
	"sync"
)

// scriptedRunner answers commands from a table keyed by the full command
// line.
type scriptedRunner struct {
	missing map[string]bool
	outputs map[string]string
	errs    map[string]error

	mu    sync.Mutex
	calls []string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		missing: make(map[string]bool),
		outputs: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (r *scriptedRunner) LookPath(name string) (string, error) {
	if r.missing[name] {
		return "", exec.ErrNotFound
	}

	return "/usr/bin/" + name, nil
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	r.calls = append(r.calls, line)
	r.mu.Unlock()

	if r.missing[name] {
		return nil, &CommandError{Name: name, Err: exec.ErrNotFound}
	}
	if err, ok := r.errs[line]; ok {
		return nil, err
	}
	if out, ok := r.outputs[line]; ok {
		return []byte(out), nil
	}

	return nil, &CommandError{Name: name, Stderr: "unexpected invocation", Err: exec.ErrNotFound}
}

func plistDoc(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">` + body + `</plist>
`
}
