// Package state persists feature flows on the local filesystem.
//
// Each feature owns a directory <stateDir>/flows/<feature>/ holding its
// state.json, the process lock and the debug log. Writes are atomic
// (temp file, fsync, rename) so a crash never leaves a partial state file.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/flow"
	"github.com/Iron-Ham/specflow/internal/logging"
)

const (
	// FileName is the state file inside a flow directory.
	FileName = "state.json"
	flowsDir = "flows"
)

// SaveOptions control how Save treats an existing flow.
type SaveOptions struct {
	// Overwrite replaces a live flow of a different run, or a corrupt
	// state file, instead of refusing.
	Overwrite bool
}

// Store loads and saves flow states. Saves are serialized per Store; across
// processes the per-feature Lock provides exclusion.
type Store struct {
	baseDir string
	logger  *logging.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewStore creates a store rooted at stateDir. The logger may be nil.
func NewStore(stateDir string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Store{
		baseDir: stateDir,
		logger:  logger,
		now:     time.Now,
	}
}

// Dir returns the state root.
func (s *Store) Dir() string {
	return s.baseDir
}

// FlowDir returns the directory holding a feature's state, lock and log.
func (s *Store) FlowDir(feature string) string {
	return filepath.Join(s.baseDir, flowsDir, feature)
}

func (s *Store) statePath(feature string) string {
	return filepath.Join(s.FlowDir(feature), FileName)
}

// Load returns the stored flow for feature. A missing flow is a
// NotFoundError matching ErrFlowNotFound; an unreadable or invalid file is
// a FlowError matching ErrStateCorrupted.
func (s *Store) Load(feature string) (flow.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(feature)
}

func (s *Store) load(feature string) (flow.State, error) {
	path := s.statePath(feature)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return flow.State{}, errors.NewNotFoundError("flow", feature).WithCause(errors.ErrFlowNotFound)
		}
		return flow.State{}, errors.Wrapf(err, "failed to read %s", path)
	}

	var st flow.State
	if err := json.Unmarshal(data, &st); err != nil {
		return flow.State{}, errors.NewFlowError(
			fmt.Sprintf("cannot parse %s: %v", path, err), errors.ErrStateCorrupted).
			WithFeature(feature)
	}
	if st.Feature != feature {
		return flow.State{}, errors.NewFlowError(
			fmt.Sprintf("%s belongs to feature %q", path, st.Feature), errors.ErrStateCorrupted).
			WithFeature(feature)
	}
	if err := flow.Validate(st); err != nil {
		return flow.State{}, err
	}
	return st, nil
}

// Exists reports whether a state file is present for feature.
func (s *Store) Exists(feature string) bool {
	_, err := os.Stat(s.statePath(feature))
	return err == nil
}

// Save atomically writes st, assigning its revision and timestamps on
// success. It refuses:
//   - a different run over a live flow (ErrFlowExists) unless Overwrite;
//   - a state older than the stored one for the same run (ErrStaleState).
func (s *Store) Save(st *flow.State, opts SaveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.WithFeature(st.Feature)

	var base int64
	existing, err := s.load(st.Feature)
	switch {
	case err == nil:
		if existing.RunID != st.RunID {
			if existing.Live() && !opts.Overwrite {
				return errors.NewFlowError(
					fmt.Sprintf("a flow is already in progress (started %s); resume it or abort it first",
						existing.CreatedAt.Format(time.RFC3339)),
					errors.ErrFlowExists).
					WithFeature(st.Feature).
					WithPhase(string(existing.Phase.Kind)).
					WithMode(string(existing.Mode))
			}
		} else if st.Revision < existing.Revision {
			return errors.NewFlowError(
				fmt.Sprintf("revision %d is older than stored revision %d", st.Revision, existing.Revision),
				errors.ErrStaleState).
				WithFeature(st.Feature).
				WithPhase(string(existing.Phase.Kind))
		}
		base = max(existing.Revision, st.Revision)
	case errors.Is(err, errors.ErrFlowNotFound):
		base = st.Revision
	case errors.Is(err, errors.ErrStateCorrupted) && opts.Overwrite:
		logger.Warn("overwriting corrupted state", "error", err)
		base = st.Revision
	default:
		return err
	}

	now := s.now().UTC()
	out := *st
	out.Revision = base + 1
	out.UpdatedAt = now
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	if out.History == nil {
		out.History = []flow.Phase{}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal flow state")
	}
	if err := os.MkdirAll(s.FlowDir(st.Feature), 0o755); err != nil {
		return errors.Wrap(err, "failed to create flow directory")
	}
	if err := atomicWriteFile(s.statePath(st.Feature), data, 0o644); err != nil {
		return err
	}

	*st = out
	logger.Debug("flow state saved",
		"phase", string(out.Phase.Kind),
		"revision", out.Revision,
	)
	return nil
}

// History returns the phases a flow has passed through, oldest first.
func (s *Store) History(feature string) ([]flow.Phase, error) {
	st, err := s.Load(feature)
	if err != nil {
		return nil, err
	}
	return st.History, nil
}

// List returns every stored flow sorted by feature name. Unreadable flows
// are logged and skipped.
func (s *Store) List() ([]flow.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, flowsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to list flows")
	}

	var out []flow.State
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := s.load(entry.Name())
		if err != nil {
			if !errors.Is(err, errors.ErrFlowNotFound) {
				s.logger.Warn("skipping unreadable flow", "feature", entry.Name(), "error", err)
			}
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out, nil
}

// atomicWriteFile writes data to a file atomically by writing to a temporary
// file first, then renaming. The target is never in a partially-written state.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
