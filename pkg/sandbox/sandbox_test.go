package sandbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanwarden/lanwarden/pkg/errdefs"
)

func newTestSandbox(maxCPUTime time.Duration) *Sandbox {
	return New(4096, maxCPUTime, nil)
}

// TestRunSuccess verifies a well-behaved function passes through.
func TestRunSuccess(t *testing.T) {
	box := newTestSandbox(time.Second)

	ran := false
	err := box.Run("noop", func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

// TestRunTimeout verifies slow code reports a timeout violation.
func TestRunTimeout(t *testing.T) {
	box := newTestSandbox(20 * time.Millisecond)

	err := box.Run("sleep", func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	require.Error(t, err)

	var violation *errdefs.SandboxViolationError
	require.ErrorAs(t, err, &violation)
	assert.True(t, violation.Timeout)
}

// TestRunPanic verifies a panic in sandboxed code becomes a violation, not
// a crash.
func TestRunPanic(t *testing.T) {
	box := newTestSandbox(time.Second)

	err := box.Run("panic", func() error {
		panic("plugin bug")
	})
	require.Error(t, err)

	var violation *errdefs.SandboxViolationError
	require.ErrorAs(t, err, &violation)
	assert.False(t, violation.Timeout)
	assert.Contains(t, err.Error(), "plugin bug")
}

// TestRunError verifies an error from sandboxed code normalizes to a
// violation wrapping the cause.
func TestRunError(t *testing.T) {
	box := newTestSandbox(time.Second)

	cause := fmt.Errorf("setup failed")
	err := box.Run("failing", func() error { return cause })
	require.Error(t, err)

	var violation *errdefs.SandboxViolationError
	require.ErrorAs(t, err, &violation)
	assert.ErrorIs(t, err, cause)
}

// TestExecuteMissingMethod verifies a missing method fails immediately.
func TestExecuteMissingMethod(t *testing.T) {
	box := newTestSandbox(time.Second)
	module := NewModule("demo", "/tmp/demo.plugin")

	_, err := box.Execute(module, "no_such_method")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_method")
}

// TestExecuteMethod verifies arguments and results flow through module
// methods.
func TestExecuteMethod(t *testing.T) {
	box := newTestSandbox(time.Second)
	module := NewModule("demo", "/tmp/demo.plugin")
	module.SetMethod("add", func(args ...any) (any, error) {
		sum := 0
		for _, a := range args {
			sum += a.(int)
		}
		return sum, nil
	})

	out, err := box.Execute(module, "add", 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, out)
}

// TestLoadFailure verifies a failing resolver yields no module.
func TestLoadFailure(t *testing.T) {
	box := newTestSandbox(time.Second)

	module, err := box.Load("/tmp/broken.plugin", func() (*Module, error) {
		return nil, fmt.Errorf("bad entry point")
	})
	require.Error(t, err)
	assert.Nil(t, module)
}
