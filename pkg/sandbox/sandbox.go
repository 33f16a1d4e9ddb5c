// Package sandbox provides a bounded execution environment for plugin
// code. Execution is monitored on a separate goroutine with a wall-clock
// ceiling and a post-hoc memory check; every failure mode (timeout, memory
// ceiling, panic or error from the untrusted code) normalizes to a single
// SandboxViolationError kind.
//
// This is a cooperative model, not real isolation: a goroutine that ignores
// its deadline keeps running after the timeout is reported, and memory is
// checked only after the code already ran. Callers must treat the limits as
// advisory containment, not a security boundary.
package sandbox

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lanwarden/lanwarden/pkg/errdefs"
)

// Sandbox executes plugin code under fixed resource and time ceilings. The
// limits are set at construction and apply uniformly to every Load and
// Execute call routed through the instance.
type Sandbox struct {
	maxMemory  uint64 // bytes
	maxCPUTime time.Duration
	logger     *logrus.Logger
}

// New creates a sandbox with the given memory ceiling (in MB) and
// wall-clock execution ceiling.
func New(maxMemoryMB int, maxCPUTime time.Duration, logger *logrus.Logger) *Sandbox {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sandbox{
		maxMemory:  uint64(maxMemoryMB) * 1024 * 1024,
		maxCPUTime: maxCPUTime,
		logger:     logger,
	}
}

// Method is a named callable exported by a loaded module.
type Method func(args ...any) (any, error)

// Module represents plugin code loaded inside the sandbox: the module
// identity plus its table of named callables.
type Module struct {
	Name    string
	Path    string
	methods map[string]Method
}

// NewModule creates an empty module shell for a plugin file.
func NewModule(name, path string) *Module {
	return &Module{
		Name:    name,
		Path:    path,
		methods: make(map[string]Method),
	}
}

// SetMethod registers a named callable on the module.
func (m *Module) SetMethod(name string, fn Method) {
	m.methods[name] = fn
}

// Method resolves a named callable on the module.
func (m *Module) Method(name string) (Method, bool) {
	fn, ok := m.methods[name]
	return fn, ok
}

// Methods lists the names of the module's callables.
func (m *Module) Methods() []string {
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	return names
}

// Run executes fn under the sandbox's monitoring: a goroutine bounded by
// the CPU-time ceiling, panic recovery, and a memory check after the code
// completes. A timeout is reported even though the goroutine may still be
// running; there is no forced termination.
func (s *Sandbox) Run(op string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &errdefs.SandboxViolationError{Op: op, Cause: fmt.Errorf("panic: %v", r)}
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			return violation(op, err)
		}
	case <-time.After(s.maxCPUTime):
		s.logger.Warnf("Sandboxed operation %s exceeded %s ceiling", op, s.maxCPUTime)
		return &errdefs.SandboxViolationError{Op: op, Timeout: true}
	}

	return s.checkMemory(op)
}

// Load runs a module's resolution (its entry-point lookup and top-level
// setup) under the monitor and returns the loaded module.
func (s *Sandbox) Load(path string, resolve func() (*Module, error)) (*Module, error) {
	var module *Module
	err := s.Run("load "+path, func() error {
		loaded, err := resolve()
		if err != nil {
			return err
		}
		module = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return module, nil
}

// Execute resolves a named callable on a loaded module and invokes it under
// the monitor. A missing method fails immediately without running anything.
func (s *Sandbox) Execute(module *Module, method string, args ...any) (any, error) {
	fn, ok := module.Method(method)
	if !ok {
		return nil, &errdefs.SandboxViolationError{
			Op:    fmt.Sprintf("execute %s.%s", module.Name, method),
			Cause: fmt.Errorf("method %s not found in plugin", method),
		}
	}

	var result any
	err := s.Run(fmt.Sprintf("execute %s.%s", module.Name, method), func() error {
		out, err := fn(args...)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkMemory verifies current heap usage against the ceiling. The check is
// retroactive: code that allocated past the ceiling already ran.
func (s *Sandbox) checkMemory(op string) error {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapAlloc > s.maxMemory {
		return &errdefs.SandboxViolationError{
			Op:    op,
			Cause: fmt.Errorf("memory limit exceeded: %d bytes in use", stats.HeapAlloc),
		}
	}
	return nil
}

// violation wraps an error from sandboxed code, passing through errors that
// are already sandbox violations.
func violation(op string, err error) error {
	if _, ok := err.(*errdefs.SandboxViolationError); ok {
		return err
	}
	return &errdefs.SandboxViolationError{Op: op, Cause: err}
}
