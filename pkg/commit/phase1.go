package commit

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/pubgate/pkg/publish"
)

// phase1Commit writes immutable content bodies only. Entry points and
// other phase-2 items stay dirty for a later phase-2 commit, and the
// publish state is left untouched so the publish remains open.
type phase1Commit struct {
	run *run
}

func (p *phase1Commit) allowedStates() []publish.PublishState {
	return []publish.PublishState{publish.StatePending, publish.StateCommitting}
}

func (p *phase1Commit) preWrite(ctx context.Context) error {
	return nil
}

func (p *phase1Commit) writeItems(ctx context.Context) error {
	finalItems, err := p.run.writeBodyItems(ctx, true)
	if err != nil {
		return err
	}

	p.run.log.Info("Phase 1 committed",
		zap.Int("written", len(p.run.writtenItemIDs)),
		zap.Int("phase2_remaining", len(finalItems)),
		zap.String("event", "publish"),
		zap.Bool("success", true))
	return nil
}

func (p *phase1Commit) onSucceeded(ctx context.Context) error {
	return p.run.onSucceededBase(ctx)
}

func (p *phase1Commit) onFailed(ctx context.Context) error {
	return p.run.onFailedBase(ctx)
}

func (p *phase1Commit) rollback(ctx context.Context, cause error) {
	p.run.rollbackItems(ctx, cause)
}
