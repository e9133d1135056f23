// Package command содержит операции записи (CQRS - Commands).
// ApplyEventHandler - единственный код, который меняет агрегаты прогресса.
package command

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// APPLY EVENT COMMAND
// Применяет одно учебное событие к прогрессу ученика: серия, опыт с дневным
// лимитом, недельное окно и история. Запись идёт с оптимистичной проверкой версии.
// ══════════════════════════════════════════════════════════════════════════════

// ApplyEventCommand - ученик и событие, которое нужно применить.
type ApplyEventCommand struct {
	// LearnerID - id пользователя платформы.
	LearnerID string `validate:"required,max=128"`

	// Event - progress.QuestionAnswered, CodePracticeCompleted или
	// LessonStarred (значение или указатель).
	Event progress.Event

	// CorrelationID для трассировки, копируется в публикуемые события.
	CorrelationID string
}

// Recorder получает замеры пути записи. Реализуется metrics.Metrics.
type Recorder interface {
	ApplyFinished(kind, outcome string, attempts int, d time.Duration)
	VersionConflict()
	XPCredited(nominal, credited int, capReached bool)
}

type nopRecorder struct{}

func (nopRecorder) ApplyFinished(string, string, int, time.Duration) {}
func (nopRecorder) VersionConflict()                                {}
func (nopRecorder) XPCredited(int, int, bool)                       {}

// FeatureFlags включает функции для отдельных учеников. Реализуется config.FeatureFlags.
type FeatureFlags interface {
	IsEnabledFor(featureName, learnerID string) bool
}

// Исходы, которые получает Recorder.
const (
	outcomeApplied    = "applied"
	outcomeInvalid    = "invalid"
	outcomeContention = "contention"
	outcomeError      = "error"
)

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// ApplyEventConfig - настройки обработчика.
type ApplyEventConfig struct {
	// DailyXPCap - лимит для новых агрегатов.
	DailyXPCap shared.XP

	// MaxAttempts ограничивает цикл чтение-изменение-запись.
	MaxAttempts int

	// MaxClockSkew - насколько время события может опережать часы сервера.
	MaxClockSkew time.Duration
}

// DefaultApplyEventConfig возвращает настройки по умолчанию.
func DefaultApplyEventConfig() ApplyEventConfig {
	return ApplyEventConfig{
		DailyXPCap:   200,
		MaxAttempts:  5,
		MaxClockSkew: 5 * time.Minute,
	}
}

// ApplyEventHandler обрабатывает ApplyEventCommand.
type ApplyEventHandler struct {
	store     progress.Store
	catalog   progress.Catalog
	publisher shared.EventPublisher
	calendar  *timeutil.Calendar
	flags     FeatureFlags
	recorder  Recorder
	logger    *zap.Logger

	config   ApplyEventConfig
	retrier  *retry.Retrier
	validate *validator.Validate
}

// ApplyEventOption настраивает обработчик.
type ApplyEventOption func(*ApplyEventHandler)

// WithRecorder задаёт приёмник метрик.
func WithRecorder(r Recorder) ApplyEventOption {
	return func(h *ApplyEventHandler) {
		if r != nil {
			h.recorder = r
		}
	}
}

// WithFeatureFlags задаёт флаги. Без флагов публикуются все необязательные события.
func WithFeatureFlags(f FeatureFlags) ApplyEventOption {
	return func(h *ApplyEventHandler) { h.flags = f }
}

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) ApplyEventOption {
	return func(h *ApplyEventHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithRetrier заменяет retrier, построенный из MaxAttempts.
func WithRetrier(r *retry.Retrier) ApplyEventOption {
	return func(h *ApplyEventHandler) { h.retrier = r }
}

// NewApplyEventHandler создаёт обработчик.
func NewApplyEventHandler(
	store progress.Store,
	catalog progress.Catalog,
	publisher shared.EventPublisher,
	calendar *timeutil.Calendar,
	cfg ApplyEventConfig,
	opts ...ApplyEventOption,
) *ApplyEventHandler {
	def := DefaultApplyEventConfig()
	if cfg.DailyXPCap <= 0 {
		cfg.DailyXPCap = def.DailyXPCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = def.MaxClockSkew
	}

	h := &ApplyEventHandler{
		store:     store,
		catalog:   catalog,
		publisher: publisher,
		calendar:  calendar,
		recorder:  nopRecorder{},
		logger:    zap.NewNop(),
		config:    cfg,
		validate:  newValidator(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.retrier == nil {
		h.retrier = retry.ConflictRetrier(cfg.MaxAttempts)
	}
	h.logger = h.logger.Named("apply_event")
	return h
}

// newValidator называет поля так же, как в JSON.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Handle применяет событие и возвращает сохранённый агрегат.
//
// Ошибки:
//   - progress.ErrInvalidEvent: событие не прошло валидацию (ничего не прочитано и не записано)
//   - progress.ErrUnknownContent: каталог не знает вопрос или практику
//   - progress.ErrContention: все попытки записи проиграли гонку версий
func (h *ApplyEventHandler) Handle(ctx context.Context, cmd ApplyEventCommand) (*progress.Aggregate, error) {
	start := time.Now()
	ev := progress.Normalize(cmd.Event)
	kind := "unknown"
	if ev != nil {
		kind = string(ev.Kind())
	}

	agg, attempts, err := h.handle(ctx, cmd, ev)

	h.recorder.ApplyFinished(kind, outcomeOf(err), attempts, time.Since(start))
	return agg, err
}

func (h *ApplyEventHandler) handle(ctx context.Context, cmd ApplyEventCommand, ev progress.Event) (*progress.Aggregate, int, error) {
	log := logger.FromContextOr(ctx, h.logger)

	learnerID, err := h.validateCommand(cmd, ev)
	if err != nil {
		log.Debug("event rejected", logger.LearnerID(cmd.LearnerID), zap.Error(err))
		return nil, 0, err
	}
	log = log.With(logger.LearnerID(learnerID.String()), logger.EventKind(string(ev.Kind())))

	nominal, err := progress.ResolvePoints(ctx, h.catalog, ev)
	if err != nil {
		if errors.Is(err, progress.ErrUnknownContent) || shared.IsValidation(err) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("apply_event: resolve points: %w", err)
	}

	now := h.calendar.Now()
	on := h.calendar.DateOf(ev.OccurredAt())

	var (
		saved      *progress.Aggregate
		outcome    progress.Outcome
		prevActive timeutil.Date
		attempts   int
	)
	err = h.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt

		current, err := h.store.Load(ctx, learnerID)
		switch {
		case errors.Is(err, progress.ErrProgressNotFound):
			current = progress.NewAggregate(learnerID, h.config.DailyXPCap, now)
		case err != nil:
			return retry.Permanent(fmt.Errorf("apply_event: load: %w", err))
		}

		expected := current.Version
		prevActive = current.LastActiveDate
		next := current.Clone()
		outcome = next.Apply(ev, nominal, on, now)

		if err := h.store.CompareAndSwap(ctx, learnerID, expected, next); err != nil {
			if errors.Is(err, progress.ErrVersionConflict) {
				h.recorder.VersionConflict()
				log.Debug("version conflict, retrying", logger.Attempt(attempt), logger.Version(expected))
				return retry.Retryable(err)
			}
			return retry.Permanent(fmt.Errorf("apply_event: write: %w", err))
		}
		saved = next
		return nil
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, progress.ErrVersionConflict) {
			log.Warn("giving up on contended learner", logger.Attempt(attempts))
			return nil, attempts, progress.ErrContention.With("ApplyEvent", err)
		}
		return nil, attempts, err
	}

	h.recorder.XPCredited(outcome.Nominal.Int(), outcome.Credited.Int(), outcome.CapReached)
	log.Debug("event applied",
		logger.Version(saved.Version),
		logger.XPAmount(outcome.Credited.Int()),
		zap.Int("nominal", outcome.Nominal.Int()),
		zap.String("streak", string(outcome.Streak)),
	)

	h.publish(ctx, log, cmd.CorrelationID, saved, outcome, prevActive)
	return saved.Clone(), attempts, nil
}

// validateCommand выполняет все проверки до обращения к хранилищу.
func (h *ApplyEventHandler) validateCommand(cmd ApplyEventCommand, ev progress.Event) (shared.LearnerID, error) {
	const op = "ApplyEvent"

	if err := h.validate.Struct(cmd); err != nil {
		return "", progress.ErrInvalidEvent.With(op, err)
	}
	learnerID, err := shared.NewLearnerID(cmd.LearnerID)
	if err != nil {
		return "", progress.ErrInvalidEvent.With(op, err)
	}
	if ev == nil {
		return "", progress.ErrInvalidEvent.With(op, errors.New("event is required"))
	}
	if err := h.validate.Struct(ev); err != nil {
		return "", progress.ErrInvalidEvent.With(op, err)
	}
	if limit := h.calendar.Now().Add(h.config.MaxClockSkew); ev.OccurredAt().After(limit) {
		return "", progress.ErrInvalidEvent.With(op, shared.ErrFutureTimestamp)
	}
	return learnerID, nil
}

// publish отправляет доменные события о сохранённом изменении. Ошибки публикации
// не возвращаются: запись уже сделана, потерянное положение восстановит перестройка индекса.
func (h *ApplyEventHandler) publish(ctx context.Context, log *zap.Logger, correlationID string, agg *progress.Aggregate, outcome progress.Outcome, prevActive timeutil.Date) {
	if h.publisher == nil {
		return
	}
	id := agg.LearnerID.String()

	credited := shared.NewXPCreditedEvent(id, agg.Version, string(outcome.Kind),
		outcome.Nominal.Int(), outcome.Credited.Int(), agg.TotalXP.Int(),
		agg.WeekStart, agg.WeeklyXP.Int(), outcome.EventDate)
	credited.BaseEvent = credited.BaseEvent.WithCorrelationID(correlationID)
	events := []shared.Event{credited}

	if outcome.CapReached && h.enabled(config.FeatureEventsDailyCap, id) {
		ev := shared.NewDailyCapReachedEvent(id, agg.DailyXPCap.Int(), outcome.EventDate)
		ev.BaseEvent = ev.BaseEvent.WithCorrelationID(correlationID)
		events = append(events, ev)
	}
	if outcome.Streak == progress.StreakReset && h.enabled(config.FeatureEventsStreakBroken, id) {
		ev := shared.NewStreakBrokenEvent(id, outcome.PreviousStreak, prevActive)
		ev.BaseEvent = ev.BaseEvent.WithCorrelationID(correlationID)
		events = append(events, ev)
	}

	for _, ev := range events {
		if err := h.publisher.Publish(ctx, ev); err != nil {
			log.Warn("failed to publish event",
				zap.String("event_type", string(ev.EventType())),
				zap.Error(err),
			)
		}
	}
}

func (h *ApplyEventHandler) enabled(feature, learnerID string) bool {
	if h.flags == nil {
		return true
	}
	return h.flags.IsEnabledFor(feature, learnerID)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeApplied
	case errors.Is(err, progress.ErrContention):
		return outcomeContention
	case shared.IsValidation(err):
		return outcomeInvalid
	default:
		return outcomeError
	}
}
