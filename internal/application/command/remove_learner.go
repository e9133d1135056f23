package command

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REMOVE LEARNER COMMAND
// Удаляет прогресс ученика и убирает его из всех представлений лидерборда.
// ══════════════════════════════════════════════════════════════════════════════

// RemoveLearnerCommand - ученик, которого нужно удалить.
type RemoveLearnerCommand struct {
	LearnerID     string
	CorrelationID string
}

// RemoveLearnerHandler обрабатывает RemoveLearnerCommand.
type RemoveLearnerHandler struct {
	store     progress.Store
	index     leaderboard.Index
	publisher shared.EventPublisher
	logger    *zap.Logger
}

// NewRemoveLearnerHandler создаёт обработчик.
// index может быть nil, если событие удаления доходит до индекса через шину.
func NewRemoveLearnerHandler(store progress.Store, index leaderboard.Index, publisher shared.EventPublisher, log *zap.Logger) *RemoveLearnerHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &RemoveLearnerHandler{
		store:     store,
		index:     index,
		publisher: publisher,
		logger:    log.Named("remove_learner"),
	}
}

// Handle удаляет агрегат, затем запись в индексе.
// Ученик без агрегата всё равно убирается из индекса, а в ответ приходит
// progress.ErrProgressNotFound.
func (h *RemoveLearnerHandler) Handle(ctx context.Context, cmd RemoveLearnerCommand) error {
	learnerID, err := shared.NewLearnerID(cmd.LearnerID)
	if err != nil {
		return progress.ErrInvalidEvent.With("RemoveLearner", err)
	}
	log := logger.FromContextOr(ctx, h.logger).With(logger.LearnerID(learnerID.String()))

	storeErr := h.store.Delete(ctx, learnerID)
	if storeErr != nil && !errors.Is(storeErr, progress.ErrProgressNotFound) {
		return fmt.Errorf("remove_learner: delete progress: %w", storeErr)
	}

	if h.index != nil {
		if err := h.index.Remove(ctx, learnerID); err != nil {
			return fmt.Errorf("remove_learner: index: %w", err)
		}
	}

	if h.publisher != nil {
		ev := shared.NewLearnerRemovedEvent(learnerID.String())
		ev.BaseEvent = ev.BaseEvent.WithCorrelationID(cmd.CorrelationID)
		if err := h.publisher.Publish(ctx, ev); err != nil {
			log.Warn("failed to publish learner removal", zap.Error(err))
		}
	}

	log.Info("learner removed", zap.Bool("had_progress", storeErr == nil))
	return storeErr
}
