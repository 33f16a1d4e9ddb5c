package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lanwarden/lanwarden/pkg/errdefs"
	"github.com/lanwarden/lanwarden/pkg/models"
	"github.com/lanwarden/lanwarden/pkg/sandbox"
	"github.com/lanwarden/lanwarden/pkg/security"
)

// excludePrefix marks plugin files that discovery must ignore.
const excludePrefix = "_"

// candidateExts are the file extensions discovery considers.
var candidateExts = map[string]bool{
	".so":     true,
	".plugin": true,
}

// Loader orchestrates plugin discovery, validation and the lifecycle state
// machine. States per plugin name: Discovered (registration known, no
// instance) -> Instantiated (constructed, cached) -> Active (initialized) ->
// back to Instantiated on deactivate; removed entirely only on reload or
// validation failure. At most one live instance per name is cached even
// when deactivated; a fresh instance is forced only by reload.
type Loader struct {
	pluginDir string
	security  *security.Manager
	box       *sandbox.Sandbox
	logger    *logrus.Logger

	mu            sync.Mutex
	registrations map[string]Registration
	descriptors   map[string]models.PluginDescriptor
	instances     map[string]Plugin
	modules       map[string]*sandbox.Module
	active        map[string]struct{}
}

// NewLoader creates a plugin loader over the given plugin directory.
func NewLoader(pluginDir string, sec *security.Manager, box *sandbox.Sandbox, logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loader{
		pluginDir:     pluginDir,
		security:      sec,
		box:           box,
		logger:        logger,
		registrations: make(map[string]Registration),
		descriptors:   make(map[string]models.PluginDescriptor),
		instances:     make(map[string]Plugin),
		modules:       make(map[string]*sandbox.Module),
		active:        make(map[string]struct{}),
	}
}

// Discover scans the plugin directory for candidate files, validates each
// through the security manager and loads it in the sandbox. A file that
// fails validation or loading is skipped and logged; it never aborts
// discovery of the other files. A missing plugin directory is created and
// discovery returns with zero entries.
func (l *Loader) Discover() error {
	if err := os.MkdirAll(l.pluginDir, 0o755); err != nil {
		return fmt.Errorf("failed to create plugin directory %s: %v", l.pluginDir, err)
	}

	entries, err := os.ReadDir(l.pluginDir)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory %s: %v", l.pluginDir, err)
	}

	l.mu.Lock()
	l.registrations = make(map[string]Registration)
	l.descriptors = make(map[string]models.PluginDescriptor)
	l.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, excludePrefix) {
			continue
		}
		if !candidateExts[filepath.Ext(name)] {
			continue
		}

		path := filepath.Join(l.pluginDir, name)
		if err := l.security.ValidatePlugin(path); err != nil {
			l.logger.Errorf("Skipping plugin %s: %v", name, err)
			continue
		}

		reg, err := l.loadRegistration(path)
		if err != nil {
			l.logger.Errorf("Failed to load plugin %s: %v", name, err)
			continue
		}

		hash, err := security.FileHash(path)
		if err != nil {
			l.logger.Errorf("Failed to hash plugin %s: %v", name, err)
			continue
		}

		l.mu.Lock()
		l.registrations[reg.Info.Name] = reg
		l.descriptors[reg.Info.Name] = models.PluginDescriptor{
			Name:        reg.Info.Name,
			Description: reg.Info.Description,
			Version:     reg.Info.Version,
			Author:      reg.Info.Author,
			Hash:        hash,
			Path:        path,
		}
		l.mu.Unlock()
		l.logger.Infof("Loaded plugin: %s", reg.Info.Name)
	}

	return nil
}

// loadRegistration resolves a plugin file's entry point and runs its
// top-level setup inside the sandbox.
func (l *Loader) loadRegistration(path string) (Registration, error) {
	var reg Registration
	_, err := l.box.Load(path, func() (*sandbox.Module, error) {
		resolved, err := resolveEntry(path)
		if err != nil {
			return nil, err
		}
		if resolved.Setup != nil {
			if err := resolved.Setup(); err != nil {
				return nil, err
			}
		}
		reg = resolved
		return sandbox.NewModule(resolved.Info.Name, path), nil
	})
	if err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// Activate initializes a plugin and moves it into the active set. A cached
// instance is reused when present; otherwise a new one is constructed in
// the sandbox. An initialization failure evicts the instance only when it
// was freshly constructed. Activating an already active plugin succeeds
// idempotently.
func (l *Loader) Activate(name string) error {
	l.mu.Lock()
	reg, known := l.registrations[name]
	if !known {
		l.mu.Unlock()
		return &errdefs.LifecycleError{Plugin: name, Op: "activate", Reason: "plugin not found"}
	}
	if _, isActive := l.active[name]; isActive {
		l.mu.Unlock()
		l.logger.Warnf("Plugin %s already active", name)
		return nil
	}
	inst, cached := l.instances[name]
	module := l.modules[name]
	l.mu.Unlock()

	fresh := false
	if !cached {
		var err error
		inst, module, err = l.instantiate(name, reg)
		if err != nil {
			return &errdefs.LifecycleError{Plugin: name, Op: "activate", Cause: err}
		}
		fresh = true
		l.mu.Lock()
		l.instances[name] = inst
		l.modules[name] = module
		l.mu.Unlock()
	}

	if _, err := l.box.Execute(module, "initialize"); err != nil {
		if fresh {
			l.mu.Lock()
			delete(l.instances, name)
			delete(l.modules, name)
			l.mu.Unlock()
		}
		return &errdefs.LifecycleError{Plugin: name, Op: "activate", Cause: err}
	}

	l.mu.Lock()
	l.active[name] = struct{}{}
	l.mu.Unlock()
	l.logger.Infof("Activated plugin: %s", name)
	return nil
}

// instantiate constructs a plugin instance in the sandbox and builds its
// sandbox module with the capability methods plus any declared exports.
func (l *Loader) instantiate(name string, reg Registration) (Plugin, *sandbox.Module, error) {
	var inst Plugin
	err := l.box.Run("instantiate "+name, func() error {
		created := reg.New()
		if created == nil {
			return fmt.Errorf("plugin constructor returned nil")
		}
		inst = created
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	l.mu.Lock()
	path := l.descriptors[name].Path
	l.mu.Unlock()

	module := sandbox.NewModule(name, path)
	module.SetMethod("initialize", func(args ...any) (any, error) {
		return nil, inst.Initialize()
	})
	module.SetMethod("cleanup", func(args ...any) (any, error) {
		return nil, inst.Cleanup()
	})
	if exported, ok := inst.(Exports); ok {
		for method, fn := range exported.Exports() {
			module.SetMethod(method, sandbox.Method(fn))
		}
	}
	return inst, module, nil
}

// Deactivate runs a plugin's cleanup and removes it from the active set,
// keeping the instance cached for cheap reactivation. Cleanup failure fails
// the operation and evicts the cached instance, forcing re-instantiation on
// the next activation. Deactivating a plugin that is not active succeeds
// idempotently.
func (l *Loader) Deactivate(name string) error {
	l.mu.Lock()
	if _, isActive := l.active[name]; !isActive {
		l.mu.Unlock()
		l.logger.Warnf("Plugin %s not active", name)
		return nil
	}
	module := l.modules[name]
	l.mu.Unlock()

	if _, err := l.box.Execute(module, "cleanup"); err != nil {
		l.mu.Lock()
		delete(l.active, name)
		delete(l.instances, name)
		delete(l.modules, name)
		l.mu.Unlock()
		return &errdefs.LifecycleError{Plugin: name, Op: "deactivate", Cause: err}
	}

	l.mu.Lock()
	delete(l.active, name)
	l.mu.Unlock()
	l.logger.Infof("Deactivated plugin: %s", name)
	return nil
}

// Reload snapshots the active set, deactivates everything, clears all
// registries, re-runs discovery and reactivates the snapshot. A failed
// deactivation aborts the reload; names that disappeared or fail to
// reactivate make the reload report failure while the other reactivations
// still proceed.
func (l *Loader) Reload() error {
	l.mu.Lock()
	snapshot := make([]string, 0, len(l.active))
	for name := range l.active {
		snapshot = append(snapshot, name)
	}
	l.mu.Unlock()
	sort.Strings(snapshot)

	l.logger.Infof("Reloading plugins (%d active)", len(snapshot))

	for _, name := range snapshot {
		if err := l.Deactivate(name); err != nil {
			return &errdefs.LifecycleError{Plugin: name, Op: "reload", Reason: "deactivation failed", Cause: err}
		}
	}

	l.mu.Lock()
	l.registrations = make(map[string]Registration)
	l.descriptors = make(map[string]models.PluginDescriptor)
	l.instances = make(map[string]Plugin)
	l.modules = make(map[string]*sandbox.Module)
	l.active = make(map[string]struct{})
	l.mu.Unlock()

	if err := l.Discover(); err != nil {
		return &errdefs.LifecycleError{Op: "reload", Reason: "discovery failed", Cause: err}
	}

	var failed []string
	for _, name := range snapshot {
		l.mu.Lock()
		_, known := l.registrations[name]
		l.mu.Unlock()
		if !known {
			l.logger.Warnf("Previously active plugin not found after reload: %s", name)
			failed = append(failed, name)
			continue
		}
		if err := l.Activate(name); err != nil {
			l.logger.Errorf("Failed to reactivate plugin %s: %v", name, err)
			failed = append(failed, name)
		}
	}

	if len(failed) > 0 {
		return &errdefs.LifecycleError{
			Plugin: strings.Join(failed, ", "),
			Op:     "reload",
			Reason: "not all previously active plugins could be restored",
		}
	}
	l.logger.Info("Plugin reload completed")
	return nil
}

// Call invokes a named method on an instantiated plugin through the
// sandbox.
func (l *Loader) Call(name, method string, args ...any) (any, error) {
	l.mu.Lock()
	module, ok := l.modules[name]
	l.mu.Unlock()
	if !ok {
		return nil, &errdefs.LifecycleError{Plugin: name, Op: "call", Reason: "plugin not instantiated"}
	}
	return l.box.Execute(module, method, args...)
}

// Available returns the sorted names of all discovered plugins.
func (l *Loader) Available() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.registrations))
	for name := range l.registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveNames returns the sorted names of active plugins.
func (l *Loader) ActiveNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.active))
	for name := range l.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsActive reports whether a plugin is in the active set.
func (l *Loader) IsActive(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[name]
	return ok
}

// Instance returns the cached instance for a plugin name, if any.
func (l *Loader) Instance(name string) (Plugin, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[name]
	return inst, ok
}

// Infos returns descriptors for all discovered plugins, sorted by name.
func (l *Loader) Infos() []models.PluginDescriptor {
	l.mu.Lock()
	defer l.mu.Unlock()

	infos := make([]models.PluginDescriptor, 0, len(l.descriptors))
	for _, d := range l.descriptors {
		infos = append(infos, d)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// CleanupAll runs cleanup on every cached instance, best-effort, and clears
// the instance cache and active set.
func (l *Loader) CleanupAll() {
	l.mu.Lock()
	modules := make(map[string]*sandbox.Module, len(l.modules))
	for name, module := range l.modules {
		modules[name] = module
	}
	l.mu.Unlock()

	for name, module := range modules {
		if _, err := l.box.Execute(module, "cleanup"); err != nil {
			l.logger.Errorf("Error cleaning up plugin %s: %v", name, err)
		}
	}

	l.mu.Lock()
	l.instances = make(map[string]Plugin)
	l.modules = make(map[string]*sandbox.Module)
	l.active = make(map[string]struct{})
	l.mu.Unlock()
}
