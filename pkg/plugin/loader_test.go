package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanwarden/lanwarden/pkg/errdefs"
	"github.com/lanwarden/lanwarden/pkg/sandbox"
	"github.com/lanwarden/lanwarden/pkg/security"
)

// fakeState drives a registered test plugin and records its lifecycle
// activity.
type fakeState struct {
	mu           sync.Mutex
	constructed  int
	initCalls    int
	cleanupCalls int
	failInit     bool
	failCleanup  bool
}

func (s *fakeState) setFailInit(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInit = v
}

func (s *fakeState) setFailCleanup(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCleanup = v
}

func (s *fakeState) counts() (constructed, inits, cleanups int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constructed, s.initCalls, s.cleanupCalls
}

type fakePlugin struct {
	name  string
	state *fakeState
}

func (p *fakePlugin) Info() Info {
	return Info{Name: p.name, Version: "1.0.0", Author: "test"}
}

func (p *fakePlugin) Initialize() error {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	p.state.initCalls++
	if p.state.failInit {
		return errFailInit
	}
	return nil
}

func (p *fakePlugin) Cleanup() error {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	p.state.cleanupCalls++
	if p.state.failCleanup {
		return errFailCleanup
	}
	return nil
}

func (p *fakePlugin) Exports() map[string]func(args ...any) (any, error) {
	return map[string]func(args ...any) (any, error){
		"echo": func(args ...any) (any, error) {
			if len(args) == 0 {
				return nil, nil
			}
			return args[0], nil
		},
	}
}

var (
	errFailInit    = errors.New("forced initialize failure")
	errFailCleanup = errors.New("forced cleanup failure")
)

// registerFake registers a test plugin under a unique entry stem and returns
// its state handle. The registry is process-global, so stems must not repeat
// across tests.
func registerFake(t *testing.T, stem, name string) *fakeState {
	t.Helper()
	state := &fakeState{}
	err := Register(stem, Registration{
		Info: Info{Name: name, Version: "1.0.0", Author: "test"},
		New: func() Plugin {
			state.mu.Lock()
			state.constructed++
			state.mu.Unlock()
			return &fakePlugin{name: name, state: state}
		},
	})
	require.NoError(t, err)
	return state
}

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	sec, err := security.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	box := sandbox.New(4096, time.Second, nil)
	dir := t.TempDir()
	return NewLoader(dir, sec, box, nil), dir
}

func writePluginFile(t *testing.T, dir, stem string) {
	t.Helper()
	path := filepath.Join(dir, stem+".plugin")
	require.NoError(t, os.WriteFile(path, []byte("entry: "+stem+"\n"), 0o644))
}

// TestRegisterValidation verifies duplicate entries and registrations
// without a constructor are rejected.
func TestRegisterValidation(t *testing.T) {
	ctor := func() Plugin { return &fakePlugin{name: "Reg Dup", state: &fakeState{}} }

	require.NoError(t, Register("reg_dup", Registration{New: ctor}))
	assert.Error(t, Register("reg_dup", Registration{New: ctor}), "duplicate entry must be rejected")
	assert.Error(t, Register("reg_noctor", Registration{}), "registration needs a constructor")
}

// TestDiscoverEmptyDirectory verifies discovery creates a missing plugin
// directory and returns zero entries.
func TestDiscoverEmptyDirectory(t *testing.T) {
	sec, err := security.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	box := sandbox.New(4096, time.Second, nil)
	dir := filepath.Join(t.TempDir(), "not-yet-created")

	loader := NewLoader(dir, sec, box, nil)
	require.NoError(t, loader.Discover())
	assert.Empty(t, loader.Available())
	_, err = os.Stat(dir)
	assert.NoError(t, err, "plugin directory should be created")
}

// TestDiscoverFiltersFiles verifies excluded and non-candidate files are
// skipped.
func TestDiscoverFiltersFiles(t *testing.T) {
	registerFake(t, "disc_keep", "Discover Keep")
	loader, dir := newTestLoader(t)

	writePluginFile(t, dir, "disc_keep")
	writePluginFile(t, dir, "_disc_hidden")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	require.NoError(t, loader.Discover())
	assert.Equal(t, []string{"Discover Keep"}, loader.Available())
}

// TestDiscoverSkipsFailedValidation verifies a plugin failing the security
// scan is skipped without aborting discovery.
func TestDiscoverSkipsFailedValidation(t *testing.T) {
	registerFake(t, "disc_clean", "Discover Clean")
	loader, dir := newTestLoader(t)

	writePluginFile(t, dir, "disc_clean")
	bad := filepath.Join(dir, "disc_bad.plugin")
	require.NoError(t, os.WriteFile(bad, []byte("x = eval(payload)"), 0o644))

	require.NoError(t, loader.Discover())
	assert.Equal(t, []string{"Discover Clean"}, loader.Available())
}

// TestActivateLifecycle walks a plugin through activate, idempotent
// re-activate, deactivate and cached re-activation.
func TestActivateLifecycle(t *testing.T) {
	state := registerFake(t, "life_basic", "Lifecycle Basic")
	loader, dir := newTestLoader(t)
	writePluginFile(t, dir, "life_basic")
	require.NoError(t, loader.Discover())

	require.NoError(t, loader.Activate("Lifecycle Basic"))
	assert.True(t, loader.IsActive("Lifecycle Basic"))
	constructed, inits, _ := state.counts()
	assert.Equal(t, 1, constructed)
	assert.Equal(t, 1, inits)

	// Idempotent re-activation: no second initialization.
	require.NoError(t, loader.Activate("Lifecycle Basic"))
	_, inits, _ = state.counts()
	assert.Equal(t, 1, inits)

	require.NoError(t, loader.Deactivate("Lifecycle Basic"))
	assert.False(t, loader.IsActive("Lifecycle Basic"))
	_, _, cleanups := state.counts()
	assert.Equal(t, 1, cleanups)

	// The instance stays cached; re-activation reuses it.
	_, cached := loader.Instance("Lifecycle Basic")
	assert.True(t, cached)
	require.NoError(t, loader.Activate("Lifecycle Basic"))
	constructed, inits, _ = state.counts()
	assert.Equal(t, 1, constructed, "cached instance should be reused")
	assert.Equal(t, 2, inits)
}

// TestActivateUnknownPlugin verifies activating an undiscovered name fails
// with a lifecycle error.
func TestActivateUnknownPlugin(t *testing.T) {
	loader, _ := newTestLoader(t)
	require.NoError(t, loader.Discover())

	err := loader.Activate("No Such Plugin")
	require.Error(t, err)
	var lifecycleErr *errdefs.LifecycleError
	require.ErrorAs(t, err, &lifecycleErr)
	assert.Equal(t, "plugin not found", lifecycleErr.Reason)
}

// TestActivateInitFailure verifies an initialization failure evicts only a
// freshly constructed instance.
func TestActivateInitFailure(t *testing.T) {
	state := registerFake(t, "life_initfail", "Lifecycle InitFail")
	loader, dir := newTestLoader(t)
	writePluginFile(t, dir, "life_initfail")
	require.NoError(t, loader.Discover())

	// Fresh instance failing to initialize is evicted.
	state.setFailInit(true)
	require.Error(t, loader.Activate("Lifecycle InitFail"))
	assert.False(t, loader.IsActive("Lifecycle InitFail"))
	_, cached := loader.Instance("Lifecycle InitFail")
	assert.False(t, cached, "failed fresh instance should be evicted")

	// Cached instance failing to re-initialize stays cached.
	state.setFailInit(false)
	require.NoError(t, loader.Activate("Lifecycle InitFail"))
	require.NoError(t, loader.Deactivate("Lifecycle InitFail"))
	state.setFailInit(true)
	require.Error(t, loader.Activate("Lifecycle InitFail"))
	_, cached = loader.Instance("Lifecycle InitFail")
	assert.True(t, cached, "pre-existing cached instance survives an init failure")
}

// TestDeactivateNotActive verifies deactivating a never-activated plugin
// succeeds idempotently.
func TestDeactivateNotActive(t *testing.T) {
	registerFake(t, "life_idle", "Lifecycle Idle")
	loader, dir := newTestLoader(t)
	writePluginFile(t, dir, "life_idle")
	require.NoError(t, loader.Discover())

	assert.NoError(t, loader.Deactivate("Lifecycle Idle"))
	assert.NoError(t, loader.Deactivate("Never Discovered Either"))
}

// TestDeactivateCleanupFailure verifies a cleanup failure deactivates the
// plugin and evicts the cached instance.
func TestDeactivateCleanupFailure(t *testing.T) {
	state := registerFake(t, "life_cleanfail", "Lifecycle CleanFail")
	loader, dir := newTestLoader(t)
	writePluginFile(t, dir, "life_cleanfail")
	require.NoError(t, loader.Discover())

	require.NoError(t, loader.Activate("Lifecycle CleanFail"))
	state.setFailCleanup(true)

	err := loader.Deactivate("Lifecycle CleanFail")
	require.Error(t, err)
	assert.False(t, loader.IsActive("Lifecycle CleanFail"))
	_, cached := loader.Instance("Lifecycle CleanFail")
	assert.False(t, cached, "instance is evicted after a failed cleanup")

	// Next activation constructs a fresh instance.
	state.setFailCleanup(false)
	require.NoError(t, loader.Activate("Lifecycle CleanFail"))
	constructed, _, _ := state.counts()
	assert.Equal(t, 2, constructed)
}

// TestReloadRestoresActiveSet verifies reload keeps previously active
// plugins active on fresh instances.
func TestReloadRestoresActiveSet(t *testing.T) {
	state := registerFake(t, "life_reload", "Lifecycle Reload")
	registerFake(t, "life_reload_idle", "Lifecycle Reload Idle")
	loader, dir := newTestLoader(t)
	writePluginFile(t, dir, "life_reload")
	writePluginFile(t, dir, "life_reload_idle")
	require.NoError(t, loader.Discover())

	require.NoError(t, loader.Activate("Lifecycle Reload"))
	require.NoError(t, loader.Reload())

	assert.True(t, loader.IsActive("Lifecycle Reload"))
	assert.False(t, loader.IsActive("Lifecycle Reload Idle"))
	constructed, _, cleanups := state.counts()
	assert.Equal(t, 2, constructed, "reload forces a fresh instance")
	assert.Equal(t, 1, cleanups, "reload cleans up the old instance")
}

// TestReloadReportsMissingPlugin verifies a previously active plugin whose
// file disappeared makes reload fail while leaving the loader consistent.
func TestReloadReportsMissingPlugin(t *testing.T) {
	registerFake(t, "life_vanish", "Lifecycle Vanish")
	loader, dir := newTestLoader(t)
	writePluginFile(t, dir, "life_vanish")
	require.NoError(t, loader.Discover())
	require.NoError(t, loader.Activate("Lifecycle Vanish"))

	require.NoError(t, os.Remove(filepath.Join(dir, "life_vanish.plugin")))

	err := loader.Reload()
	require.Error(t, err)
	assert.False(t, loader.IsActive("Lifecycle Vanish"))
	assert.Empty(t, loader.Available())
}

// TestCallExportedMethod verifies exported plugin methods are reachable
// through the sandbox.
func TestCallExportedMethod(t *testing.T) {
	registerFake(t, "life_call", "Lifecycle Call")
	loader, dir := newTestLoader(t)
	writePluginFile(t, dir, "life_call")
	require.NoError(t, loader.Discover())
	require.NoError(t, loader.Activate("Lifecycle Call"))

	out, err := loader.Call("Lifecycle Call", "echo", "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", out)

	_, err = loader.Call("Lifecycle Call", "missing")
	assert.Error(t, err)

	_, err = loader.Call("Never Instantiated", "echo")
	assert.Error(t, err)
}

// TestInfosCarryHashes verifies descriptors expose the file hash recorded at
// discovery.
func TestInfosCarryHashes(t *testing.T) {
	registerFake(t, "life_desc", "Lifecycle Desc")
	loader, dir := newTestLoader(t)
	writePluginFile(t, dir, "life_desc")
	require.NoError(t, loader.Discover())

	infos := loader.Infos()
	require.Len(t, infos, 1)
	hash, err := security.FileHash(filepath.Join(dir, "life_desc.plugin"))
	require.NoError(t, err)
	assert.Equal(t, hash, infos[0].Hash)
	assert.Equal(t, "Lifecycle Desc", infos[0].Name)
}
