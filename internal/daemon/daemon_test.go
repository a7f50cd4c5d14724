package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oxsync/oxsyncd/internal/config"
	"github.com/oxsync/oxsyncd/internal/logbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testConfig returns a valid config whose single target is disabled, so the
// scheduler idles and tests stay hermetic.
func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	tmp := t.TempDir()
	return &config.Config{
		LogPath:             filepath.Join(tmp, "deploy.log"),
		IntervalSeconds:     3600,
		Branch:              "main",
		GitTimeoutSeconds:   30,
		StartupDelaySeconds: 0,
		Targets: []config.Target{
			{
				Name:          name,
				RepoPath:      filepath.Join(tmp, "repo"),
				PluginsTarget: filepath.Join(tmp, "plugins"),
				ConfigTarget:  filepath.Join(tmp, "config"),
				Enabled:       false,
			},
		},
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	rt := NewRuntime(cfgPath, testConfig(t, "one"), logbus.New(), nil, testLogger(), false)
	rt.Start()
	t.Cleanup(rt.Stop)
	return rt
}

func TestRuntimeLifecycle(t *testing.T) {
	rt := newTestRuntime(t)

	states := rt.Store().All()
	if len(states) != 1 || states[0].Name != "one" {
		t.Errorf("store = %+v", states)
	}

	paused, dryRun := rt.Flags()
	if paused || dryRun {
		t.Errorf("flags = paused=%v dryRun=%v, want both false", paused, dryRun)
	}
}

func TestRuntimeApplyPreservesFlags(t *testing.T) {
	rt := newTestRuntime(t)
	rt.Pause()
	rt.SetDryRun(true)

	rt.Apply(testConfig(t, "two"))

	paused, dryRun := rt.Flags()
	if !paused || !dryRun {
		t.Errorf("flags after apply = paused=%v dryRun=%v, want both true", paused, dryRun)
	}
	if rt.Config().Targets[0].Name != "two" {
		t.Errorf("config not swapped: %+v", rt.Config().Targets)
	}

	// The store was rebuilt for the new target list.
	if _, ok := rt.Store().Get("two"); !ok {
		t.Error("store missing new target")
	}
	if _, ok := rt.Store().Get("one"); ok {
		t.Error("store still has old target")
	}
}

func TestRuntimeHistorySurvivesApply(t *testing.T) {
	rt := newTestRuntime(t)
	before := rt.History()
	rt.Apply(testConfig(t, "two"))
	if rt.History() != before {
		t.Error("history must live for the whole process")
	}
}

func TestSaveConfigRejectsInvalid(t *testing.T) {
	rt := newTestRuntime(t)
	origName := rt.Config().Targets[0].Name

	errs := rt.SaveConfig([]byte(`{"Targets": []}`))
	if len(errs) == 0 {
		t.Fatal("expected validation errors")
	}
	if rt.Config().Targets[0].Name != origName {
		t.Error("invalid config replaced the live one")
	}
	if _, err := os.Stat(rt.ConfigPath()); !os.IsNotExist(err) {
		t.Error("invalid config reached disk")
	}
}

func TestSaveConfigPersistsAndApplies(t *testing.T) {
	rt := newTestRuntime(t)
	tmp := t.TempDir()

	doc := `{
		"LogPath": "` + filepath.ToSlash(filepath.Join(tmp, "deploy.log")) + `",
		"Targets": [
			{
				"Name": "saved",
				"RepoPath": "` + filepath.ToSlash(filepath.Join(tmp, "repo")) + `",
				"ServerRoot": "` + filepath.ToSlash(filepath.Join(tmp, "server")) + `",
				"Enabled": false
			}
		]
	}`

	if errs := rt.SaveConfig([]byte(doc)); len(errs) > 0 {
		t.Fatalf("SaveConfig errors: %v", errs)
	}

	if rt.Config().Targets[0].Name != "saved" {
		t.Errorf("live config not applied: %+v", rt.Config().Targets)
	}

	reloaded, err := config.Load(rt.ConfigPath())
	if err != nil {
		t.Fatalf("persisted config unreadable: %v", err)
	}
	if reloaded.Targets[0].Name != "saved" {
		t.Errorf("persisted config = %+v", reloaded.Targets)
	}
}

func TestReloadFromDiskIgnoresInvalid(t *testing.T) {
	rt := newTestRuntime(t)
	origName := rt.Config().Targets[0].Name

	rt.ReloadFromDisk([]byte(`{broken`))
	if rt.Config().Targets[0].Name != origName {
		t.Error("invalid edit replaced the live config")
	}
}

func TestReloadFromDiskAppliesValid(t *testing.T) {
	rt := newTestRuntime(t)
	tmp := t.TempDir()

	doc := `{
		"LogPath": "` + filepath.ToSlash(filepath.Join(tmp, "deploy.log")) + `",
		"Targets": [
			{
				"Name": "edited",
				"RepoPath": "` + filepath.ToSlash(filepath.Join(tmp, "repo")) + `",
				"ServerRoot": "` + filepath.ToSlash(filepath.Join(tmp, "server")) + `",
				"Enabled": false
			}
		]
	}`

	rt.ReloadFromDisk([]byte(doc))
	if rt.Config().Targets[0].Name != "edited" {
		t.Errorf("valid edit not applied: %+v", rt.Config().Targets)
	}

	// The same content again is a no-op (hash match); swapping back would
	// restart the scheduler for nothing.
	before := rt.Store()
	rt.ReloadFromDisk([]byte(doc))
	if rt.Store() != before {
		t.Error("identical content triggered a restart")
	}
}

func TestDebouncer(t *testing.T) {
	d := newDebouncer(50 * time.Millisecond)

	var calls atomic.Int32
	var last atomic.Int32
	for i := int32(1); i <= 3; i++ {
		n := i
		d.trigger(func() {
			calls.Add(1)
			last.Store(n)
		})
	}

	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("debounced callback never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if got := last.Load(); got != 3 {
		t.Errorf("last callback = %d, want the most recent trigger", got)
	}
}

func TestWatchConfigReloadsOnEdit(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the watch debounce")
	}

	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.json")

	doc := func(name string) string {
		return `{
			"LogPath": "` + filepath.ToSlash(filepath.Join(tmp, "deploy.log")) + `",
			"Targets": [
				{
					"Name": "` + name + `",
					"RepoPath": "` + filepath.ToSlash(filepath.Join(tmp, "repo")) + `",
					"ServerRoot": "` + filepath.ToSlash(filepath.Join(tmp, "server")) + `",
					"Enabled": false
				}
			]
		}`
	}

	if err := os.WriteFile(cfgPath, []byte(doc("initial")), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	rt := NewRuntime(cfgPath, cfg, logbus.New(), nil, testLogger(), false)
	rt.Start()
	t.Cleanup(rt.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = rt.WatchConfig(ctx, testLogger())
	}()

	// Give the watcher a moment to register before editing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(cfgPath, []byte(doc("edited")), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(10 * time.Second)
	for rt.Config().Targets[0].Name != "edited" {
		select {
		case <-deadline:
			t.Fatal("config edit never applied")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	<-watchDone
}
