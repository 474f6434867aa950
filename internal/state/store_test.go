package state

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/flow"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), nil)
}

// startedFlow returns a greenfield flow that has accepted START.
func startedFlow(t *testing.T, feature string) flow.State {
	t.Helper()
	st, ok := flow.NewMachine().Send(flow.New(feature, "test flow"), flow.Start(flow.Greenfield))
	if !ok {
		t.Fatal("START rejected")
	}
	return st
}

// =============================================================================
// Save / Load
// =============================================================================

func TestStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("add-auth")
	if !errors.Is(err, errors.ErrFlowNotFound) {
		t.Fatalf("Load() error = %v, want ErrFlowNotFound", err)
	}
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("Load() error should be a NotFoundError")
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	st := startedFlow(t, "add-auth")

	if err := store.Save(&st, SaveOptions{}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if st.Revision != 1 {
		t.Errorf("Revision = %d, want 1", st.Revision)
	}
	if st.CreatedAt.IsZero() || st.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	loaded, err := store.Load("add-auth")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.RunID != st.RunID || loaded.Mode != flow.Greenfield || loaded.Phase.Kind != flow.PhaseInitializing {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Metadata.Description != "test flow" {
		t.Errorf("Description = %q", loaded.Metadata.Description)
	}

	created := st.CreatedAt
	st, _ = flow.NewMachine().Send(st, flow.Complete())
	if err := store.Save(&st, SaveOptions{}); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	if st.Revision != 2 {
		t.Errorf("Revision = %d, want 2", st.Revision)
	}
	if !st.CreatedAt.Equal(created) {
		t.Error("CreatedAt changed on update")
	}

	history, err := store.History("add-auth")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Kind != flow.PhaseIdle || history[1].Kind != flow.PhaseInitializing {
		t.Errorf("History() = %v", history)
	}
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	st := startedFlow(t, "add-auth")
	for i := 0; i < 3; i++ {
		if err := store.Save(&st, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(store.FlowDir("add-auth"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestStore_RefusesSecondLiveFlow(t *testing.T) {
	store := newTestStore(t)
	first := startedFlow(t, "add-auth")
	if err := store.Save(&first, SaveOptions{}); err != nil {
		t.Fatal(err)
	}

	second := startedFlow(t, "add-auth")
	err := store.Save(&second, SaveOptions{})
	if !errors.Is(err, errors.ErrFlowExists) {
		t.Fatalf("Save() error = %v, want ErrFlowExists", err)
	}
	if second.Revision != 0 {
		t.Error("refused save must not modify the state")
	}
	if errors.Classify(err) != errors.KindResource {
		t.Errorf("Classify() = %v, want resource", errors.Classify(err))
	}

	if err := store.Save(&second, SaveOptions{Overwrite: true}); err != nil {
		t.Fatalf("Save(Overwrite) error = %v", err)
	}
	loaded, _ := store.Load("add-auth")
	if loaded.RunID != second.RunID {
		t.Error("overwrite did not replace the run")
	}
}

func TestStore_TerminalFlowCanBeReplaced(t *testing.T) {
	store := newTestStore(t)
	first := startedFlow(t, "add-auth")
	first, _ = flow.NewMachine().Send(first, flow.Abort("done"))
	if err := store.Save(&first, SaveOptions{}); err != nil {
		t.Fatal(err)
	}

	second := startedFlow(t, "add-auth")
	if err := store.Save(&second, SaveOptions{}); err != nil {
		t.Fatalf("Save() over terminal flow error = %v", err)
	}
	if second.Revision <= first.Revision {
		t.Errorf("revision %d should exceed %d", second.Revision, first.Revision)
	}
}

func TestStore_RejectsStaleState(t *testing.T) {
	store := newTestStore(t)
	st := startedFlow(t, "add-auth")
	if err := store.Save(&st, SaveOptions{}); err != nil {
		t.Fatal(err)
	}

	stale := st
	if err := store.Save(&st, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(&stale, SaveOptions{}); !errors.Is(err, errors.ErrStaleState) {
		t.Errorf("Save(stale) error = %v, want ErrStaleState", err)
	}
}

func TestStore_CorruptState(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{not json"},
		{"wrong feature", `{"feature":"other","phase":{"kind":"idle","feature":"other"}}`},
		{"unknown phase", `{"feature":"add-auth","mode":"greenfield","phase":{"kind":"warp"}}`},
		{"brownfield phase in greenfield", `{"feature":"add-auth","mode":"greenfield","phase":{"kind":"gap-review"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			dir := store.FlowDir("add-auth")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			_, err := store.Load("add-auth")
			if !errors.Is(err, errors.ErrStateCorrupted) {
				t.Fatalf("Load() error = %v, want ErrStateCorrupted", err)
			}
			if errors.Classify(err) != errors.KindFatal {
				t.Errorf("Classify() = %v, want fatal", errors.Classify(err))
			}

			st := startedFlow(t, "add-auth")
			if err := store.Save(&st, SaveOptions{}); !errors.Is(err, errors.ErrStateCorrupted) {
				t.Errorf("Save() over corrupt state error = %v", err)
			}
			if err := store.Save(&st, SaveOptions{Overwrite: true}); err != nil {
				t.Errorf("Save(Overwrite) error = %v", err)
			}
		})
	}
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)

	flows, err := store.List()
	if err != nil || len(flows) != 0 {
		t.Fatalf("List() on empty store = %v, %v", flows, err)
	}

	for _, name := range []string{"user-profile", "add-auth"} {
		st := startedFlow(t, name)
		if err := store.Save(&st, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	// A directory without a state file is ignored.
	if err := os.MkdirAll(store.FlowDir("empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	flows, err = store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(flows) != 2 || flows[0].Feature != "add-auth" || flows[1].Feature != "user-profile" {
		t.Errorf("List() = %v", flows)
	}
}

// =============================================================================
// Lock
// =============================================================================

func TestStore_AcquireLock(t *testing.T) {
	store := newTestStore(t)

	lock, err := store.AcquireLock("add-auth")
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if held, locked := store.IsLocked("add-auth"); !locked || held.PID != os.Getpid() {
		t.Errorf("IsLocked() = %v, %v", held, locked)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if _, locked := store.IsLocked("add-auth"); locked {
		t.Error("lock still held after release")
	}
}

func TestStore_AcquireLockHeldByLiveProcess(t *testing.T) {
	store := newTestStore(t)
	writeLock(t, store, "add-auth", os.Getppid())

	_, err := store.AcquireLock("add-auth")
	if !errors.Is(err, errors.ErrFlowLocked) {
		t.Fatalf("AcquireLock() error = %v, want ErrFlowLocked", err)
	}
}

func TestStore_AcquireLockReclaimsStale(t *testing.T) {
	store := newTestStore(t)
	// PIDs this large are never allocated on supported platforms.
	writeLock(t, store, "add-auth", 1<<30)

	lock, err := store.AcquireLock("add-auth")
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer lock.Release()
	if lock.PID != os.Getpid() {
		t.Errorf("PID = %d", lock.PID)
	}
}

func writeLock(t *testing.T, store *Store, feature string, pid int) {
	t.Helper()
	dir := store.FlowDir(feature)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data := []byte(`{"feature":"` + feature + `","pid":` + strconv.Itoa(pid) + `,"hostname":"test"}`)
	if err := os.WriteFile(filepath.Join(dir, LockFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// =============================================================================
// Watch
// =============================================================================

func TestStore_Watch(t *testing.T) {
	store := newTestStore(t)
	st := startedFlow(t, "add-auth")
	if err := store.Save(&st, SaveOptions{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seen := make(chan flow.State, 8)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, "add-auth", func(s flow.State) { seen <- s })
	}()

	first := <-seen
	if first.Revision != st.Revision {
		t.Fatalf("initial revision = %d, want %d", first.Revision, st.Revision)
	}

	st, _ = flow.NewMachine().Send(st, flow.Complete())
	if err := store.Save(&st, SaveOptions{}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-seen:
		if got.Phase.Kind != flow.PhaseRequirementsGenerating {
			t.Errorf("watched phase = %s", got.Phase)
		}
	case <-ctx.Done():
		t.Fatal("no update observed")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Watch() returned %v, want context.Canceled", err)
	}
}

func TestStore_WatchMissingFlow(t *testing.T) {
	store := newTestStore(t)

	err := store.Watch(context.Background(), "typo-name", func(flow.State) {
		t.Error("callback called for a missing flow")
	})
	if !errors.Is(err, errors.ErrFlowNotFound) {
		t.Fatalf("Watch() error = %v, want ErrFlowNotFound", err)
	}
	if _, err := os.Stat(store.FlowDir("typo-name")); !os.IsNotExist(err) {
		t.Errorf("Watch() left a flow directory behind: %v", err)
	}
}
