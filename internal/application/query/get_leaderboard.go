package query

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Топ-N за всё время и за текущую неделю, позиция ученика.
// Ранги берутся из индекса, имена - из Directory.
// ══════════════════════════════════════════════════════════════════════════════

// ErrWeeklyDisabled - недельное представление выключено флагом.
var ErrWeeklyDisabled = shared.NewDomainError("leaderboard", "RankWeekly", shared.ErrServiceUnavailable, "weekly leaderboard is disabled")

// Flags - флаги, которые учитывает лидерборд. Реализуется config.FeatureFlags.
type Flags interface {
	Enabled(featureName string) bool
}

// QueryRecorder получает замеры чтений. Реализуется metrics.Metrics.
type QueryRecorder interface {
	QueryFinished(operation, period string, d time.Duration)
}

// LeaderboardConfig - лимиты выдачи.
type LeaderboardConfig struct {
	// DefaultLimit подставляется вместо limit = 0.
	DefaultLimit int
	// MaxLimit - больший limit урезается до него.
	MaxLimit int
	// NameLookups - сколько имён запрашивать параллельно.
	NameLookups int
}

// DefaultLeaderboardConfig возвращает настройки по умолчанию.
func DefaultLeaderboardConfig() LeaderboardConfig {
	return LeaderboardConfig{DefaultLimit: 50, MaxLimit: 500, NameLookups: 8}
}

// LeaderboardHandler обслуживает чтения лидерборда.
type LeaderboardHandler struct {
	index     leaderboard.Index
	directory leaderboard.Directory
	flags     Flags
	recorder  QueryRecorder
	logger    *zap.Logger
	cfg       LeaderboardConfig

	// Одновременные запросы одного имени схлопываются в один вызов Directory.
	names singleflight.Group
}

// NewLeaderboardHandler создаёт обработчик. directory, flags и recorder могут быть nil.
func NewLeaderboardHandler(
	index leaderboard.Index,
	directory leaderboard.Directory,
	flags Flags,
	recorder QueryRecorder,
	log *zap.Logger,
	cfg LeaderboardConfig,
) *LeaderboardHandler {
	def := DefaultLeaderboardConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = max(def.MaxLimit, cfg.DefaultLimit)
	}
	if cfg.NameLookups <= 0 {
		cfg.NameLookups = def.NameLookups
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LeaderboardHandler{
		index:     index,
		directory: directory,
		flags:     flags,
		recorder:  recorder,
		logger:    log.Named("leaderboard_query"),
		cfg:       cfg,
	}
}

// RankAllTime возвращает первые limit записей по всему опыту.
func (h *LeaderboardHandler) RankAllTime(ctx context.Context, limit int) ([]leaderboard.Entry, error) {
	return h.Top(ctx, leaderboard.PeriodAllTime, limit)
}

// RankWeekly возвращает первые limit записей текущей недели.
// Ученики без опыта на этой неделе не попадают в выдачу.
func (h *LeaderboardHandler) RankWeekly(ctx context.Context, limit int) ([]leaderboard.Entry, error) {
	return h.Top(ctx, leaderboard.PeriodWeekly, limit)
}

// Top возвращает первые limit записей периода с именами.
// limit = 0 - значение по умолчанию, больше максимума - урезается, отрицательный - ErrInvalidLimit.
func (h *LeaderboardHandler) Top(ctx context.Context, period leaderboard.Period, limit int) ([]leaderboard.Entry, error) {
	defer h.observe("top", period, time.Now())

	if err := h.checkPeriod(period); err != nil {
		return nil, err
	}
	limit, err := h.normalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	entries, err := h.index.Top(ctx, period, limit)
	if err != nil {
		return nil, err
	}
	h.decorate(ctx, entries)
	return entries, nil
}

// RankOf возвращает позицию ученика за всё время или leaderboard.ErrNotRanked.
func (h *LeaderboardHandler) RankOf(ctx context.Context, learnerID string) (shared.Rank, error) {
	return h.rankOf(ctx, leaderboard.PeriodAllTime, learnerID)
}

// RankOfWeekly возвращает позицию ученика за текущую неделю или leaderboard.ErrNotRanked.
func (h *LeaderboardHandler) RankOfWeekly(ctx context.Context, learnerID string) (shared.Rank, error) {
	return h.rankOf(ctx, leaderboard.PeriodWeekly, learnerID)
}

func (h *LeaderboardHandler) rankOf(ctx context.Context, period leaderboard.Period, rawID string) (shared.Rank, error) {
	defer h.observe("rank_of", period, time.Now())

	if err := h.checkPeriod(period); err != nil {
		return shared.Unranked, err
	}
	learnerID, err := shared.NewLearnerID(rawID)
	if err != nil {
		return shared.Unranked, shared.WrapError("query", "RankOf", shared.ErrValidation, "invalid learner id", err)
	}
	return h.index.RankOf(ctx, period, learnerID)
}

// Size возвращает число учеников в периоде.
func (h *LeaderboardHandler) Size(ctx context.Context, period leaderboard.Period) (int, error) {
	if err := h.checkPeriod(period); err != nil {
		return 0, err
	}
	return h.index.Size(ctx, period)
}

func (h *LeaderboardHandler) checkPeriod(period leaderboard.Period) error {
	if !period.IsValid() {
		return leaderboard.ErrInvalidPeriod
	}
	if period == leaderboard.PeriodWeekly && h.flags != nil && !h.flags.Enabled(config.FeatureLeaderboardWeekly) {
		return ErrWeeklyDisabled
	}
	return nil
}

func (h *LeaderboardHandler) normalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, leaderboard.ErrInvalidLimit
	case limit == 0:
		return h.cfg.DefaultLimit, nil
	case limit > h.cfg.MaxLimit:
		return h.cfg.MaxLimit, nil
	}
	return limit, nil
}

// decorate заполняет DisplayName. Ошибки Directory не прерывают запрос:
// запись остаётся без имени.
func (h *LeaderboardHandler) decorate(ctx context.Context, entries []leaderboard.Entry) {
	if h.directory == nil || len(entries) == 0 {
		return
	}
	if h.flags != nil && !h.flags.Enabled(config.FeatureLeaderboardDisplayNames) {
		return
	}
	log := logger.FromContextOr(ctx, h.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.NameLookups)
	for i := range entries {
		g.Go(func() error {
			name, err := h.displayName(gctx, entries[i].LearnerID)
			switch {
			case err == nil:
				entries[i].DisplayName = name
			case errors.Is(err, shared.ErrNotFound):
			default:
				log.Debug("display name lookup failed", logger.LearnerID(entries[i].LearnerID.String()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (h *LeaderboardHandler) displayName(ctx context.Context, id shared.LearnerID) (string, error) {
	v, err, _ := h.names.Do(id.String(), func() (any, error) {
		return h.directory.DisplayName(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (h *LeaderboardHandler) observe(op string, period leaderboard.Period, start time.Time) {
	if h.recorder != nil {
		h.recorder.QueryFinished(op, period.String(), time.Since(start))
	}
}
