package orchestrator

import (
	"context"
	"path/filepath"

	"github.com/Iron-Ham/specflow/internal/flow"
	"github.com/Iron-Ham/specflow/internal/pr"
	"github.com/Iron-Ham/specflow/internal/worktree"
)

// PROptions adjust a single PR creation.
type PROptions struct {
	// Push publishes the branch before creating the PR.
	Push bool
	// Draft overrides pr.draft when set.
	Draft *bool
}

// CreatePR opens the pull request for a flow in the pr phase and records
// it, moving the flow to merge-decision. Missing authentication or an
// unpushed branch leave the flow in pr.
func (o *Orchestrator) CreatePR(ctx context.Context, name string, opts PROptions) (flow.State, error) {
	st, lock, err := o.begin(name)
	if err != nil {
		return st, err
	}
	defer lock.Release()

	if st.Phase.Kind != flow.PhasePR {
		return st, o.wrongPhase(st, string(flow.PhasePR))
	}

	dir := st.Metadata.WorktreePath
	if opts.Push {
		if err := o.prs.Push(ctx, dir, o.cfg.PR.Remote); err != nil {
			return o.fail(&st, err)
		}
	}

	linkDir, err := filepath.Rel(dir, st.Metadata.SpecDir)
	if err != nil {
		linkDir = st.Metadata.SpecDir
	}
	base := o.cfg.PR.BaseBranch
	if base == "" {
		base = worktree.DefaultBranch(o.repoDir)
	}
	draft := o.cfg.PR.Draft
	if opts.Draft != nil {
		draft = *opts.Draft
	}

	res, err := o.prs.CreatePR(ctx, pr.CreateRequest{
		Dir:              dir,
		Feature:          name,
		SpecDir:          st.Metadata.SpecDir,
		LinkDir:          filepath.ToSlash(linkDir),
		BaseBranch:       base,
		Description:      st.Metadata.Description,
		Remote:           o.cfg.PR.Remote,
		Draft:            draft,
		Labels:           o.cfg.PR.Labels,
		DefaultReviewers: o.cfg.PR.Reviewers.Default,
		ReviewersByPath:  o.cfg.PR.Reviewers.ByPath,
	})
	if err != nil {
		return o.fail(&st, err)
	}

	if err := o.send(&st, flow.PRCreated(res.URL, res.Number)); err != nil {
		return st, err
	}
	return st, nil
}

// Merge resolves merge-decision. With skip the PR is left open and the
// flow completes; otherwise the PR is merged first.
func (o *Orchestrator) Merge(ctx context.Context, name string, skip bool) (flow.State, error) {
	st, lock, err := o.begin(name)
	if err != nil {
		return st, err
	}
	defer lock.Release()

	if st.Phase.Kind != flow.PhaseMergeDecision {
		return st, o.wrongPhase(st, string(flow.PhaseMergeDecision))
	}

	if skip {
		if err := o.send(&st, flow.SkipMerge()); err != nil {
			return st, err
		}
		return st, nil
	}

	err = o.prs.MergePR(ctx, pr.MergeRequest{
		Dir:          o.repoDir,
		Number:       st.Metadata.PRNumber,
		Squash:       o.cfg.PR.Squash,
		DeleteBranch: o.cfg.PR.DeleteBranch,
	})
	if err != nil {
		return o.fail(&st, err)
	}
	if err := o.send(&st, flow.Merge()); err != nil {
		return st, err
	}
	return st, nil
}
