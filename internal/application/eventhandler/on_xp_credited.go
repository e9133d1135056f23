// Package eventhandler содержит подписчиков шины доменных событий.
package eventhandler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD PROJECTOR
// Переносит положение ученика из событий прогресса в индекс лидерборда.
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardProjector обновляет leaderboard.Index по XPCredited и LearnerRemoved.
// Повторная или запоздалая доставка безопасна: индекс отбрасывает старые версии.
type LeaderboardProjector struct {
	index  leaderboard.Index
	logger *zap.Logger
}

// NewLeaderboardProjector создаёт обработчик.
func NewLeaderboardProjector(index leaderboard.Index, log *zap.Logger) *LeaderboardProjector {
	if log == nil {
		log = zap.NewNop()
	}
	return &LeaderboardProjector{index: index, logger: log.Named("leaderboard_projector")}
}

// Register подписывает обработчики на шину.
func (p *LeaderboardProjector) Register(bus shared.EventSubscriber) error {
	if err := bus.Subscribe(shared.EventXPCredited, p.OnXPCredited); err != nil {
		return fmt.Errorf("subscribe %s: %w", shared.EventXPCredited, err)
	}
	if err := bus.Subscribe(shared.EventLearnerRemoved, p.OnLearnerRemoved); err != nil {
		return fmt.Errorf("subscribe %s: %w", shared.EventLearnerRemoved, err)
	}
	return nil
}

// OnXPCredited применяет положение из события к индексу.
func (p *LeaderboardProjector) OnXPCredited(ctx context.Context, event shared.Event) error {
	var e shared.XPCreditedEvent
	switch v := event.(type) {
	case shared.XPCreditedEvent:
		e = v
	case *shared.XPCreditedEvent:
		e = *v
	default:
		return fmt.Errorf("leaderboard_projector: unexpected event %T", event)
	}

	standing := leaderboard.Standing{
		LearnerID: shared.LearnerID(e.LearnerID),
		TotalXP:   shared.XP(e.TotalXP),
		WeekStart: e.WeekStart,
		WeeklyXP:  shared.XP(e.WeeklyXP),
		Version:   e.Version,
	}
	if err := p.index.Apply(ctx, standing); err != nil {
		return fmt.Errorf("leaderboard_projector: apply: %w", err)
	}

	logger.FromContextOr(ctx, p.logger).Debug("standing applied",
		logger.LearnerID(e.LearnerID),
		logger.Version(e.Version),
		logger.XPAmount(e.TotalXP),
	)
	return nil
}

// OnLearnerRemoved убирает ученика из индекса.
func (p *LeaderboardProjector) OnLearnerRemoved(ctx context.Context, event shared.Event) error {
	var id string
	switch v := event.(type) {
	case shared.LearnerRemovedEvent:
		id = v.LearnerID
	case *shared.LearnerRemovedEvent:
		id = v.LearnerID
	default:
		return fmt.Errorf("leaderboard_projector: unexpected event %T", event)
	}
	if err := p.index.Remove(ctx, shared.LearnerID(id)); err != nil {
		return fmt.Errorf("leaderboard_projector: remove: %w", err)
	}
	return nil
}
