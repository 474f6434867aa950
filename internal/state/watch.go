package state

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/specflow/internal/errors"
	"github.com/Iron-Ham/specflow/internal/flow"
)

// watchDebounce collapses the create/write/rename burst of one atomic save.
const watchDebounce = 50 * time.Millisecond

// Watch calls fn with the current state of feature and again after every
// save that changes its revision. It blocks until ctx is done and returns
// ctx.Err(). A feature without a stored flow is a NotFoundError.
func (s *Store) Watch(ctx context.Context, feature string, fn func(flow.State)) error {
	if !s.Exists(feature) {
		return errors.NewNotFoundError("flow", feature).WithCause(errors.ErrFlowNotFound)
	}
	dir := s.FlowDir(feature)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	// Watch the directory: atomic saves replace the file, which would
	// orphan a watch on the file itself.
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", dir)
	}

	var lastRevision int64 = -1
	deliver := func() {
		st, err := s.Load(feature)
		if err != nil {
			if !errors.Is(err, errors.ErrFlowNotFound) {
				s.logger.WithFeature(feature).Warn("watch: failed to load state", "error", err)
			}
			return
		}
		if st.Revision == lastRevision {
			return
		}
		lastRevision = st.Revision
		fn(st)
	}
	deliver()

	debounce := time.NewTimer(watchDebounce)
	debounce.Stop()
	target := filepath.Join(dir, FileName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			deliver()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithFeature(feature).Warn("watch error", "error", err)
		}
	}
}
