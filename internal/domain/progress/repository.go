package progress

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Ошибки домена прогресса.
var (
	// ErrProgressNotFound - у ученика ещё нет агрегата.
	ErrProgressNotFound = shared.NewDomainError("progress", "Load", shared.ErrNotFound, "progress not found")

	// ErrVersionConflict - агрегат изменился после загрузки (или уже существует при создании).
	ErrVersionConflict = shared.NewDomainError("progress", "CompareAndSwap", shared.ErrOptimisticLock, "version conflict")

	// ErrContention - попытки оптимистичной записи исчерпаны. Вызывающий может повторить позже.
	ErrContention = shared.NewDomainError("progress", "ApplyEvent", shared.ErrConcurrentModification, "too much contention on learner progress")

	// ErrInvalidEvent - событие отклонено до обращения к хранилищу.
	ErrInvalidEvent = shared.NewDomainError("progress", "ApplyEvent", shared.ErrValidation, "invalid event")

	// ErrUnknownContent - Catalog не знает задание.
	ErrUnknownContent = shared.NewDomainError("progress", "ResolvePoints", shared.ErrValidation, "unknown question or practice")
)

// Store - хранилище агрегатов с единственной атомарной операцией записи.
// Хранилище не интерпретирует бизнес-поля, только версию.
type Store interface {
	// Load возвращает копию агрегата или ErrProgressNotFound.
	Load(ctx context.Context, learnerID shared.LearnerID) (*Aggregate, error)

	// CompareAndSwap сохраняет next, если текущая версия равна expectedVersion.
	// expectedVersion == 0 означает создание: агрегата быть не должно.
	// При успехе сохранённая версия равна expectedVersion+1 (next.Version выставляется хранилищем).
	// При несовпадении возвращается ErrVersionConflict.
	CompareAndSwap(ctx context.Context, learnerID shared.LearnerID, expectedVersion uint64, next *Aggregate) error

	// Delete удаляет агрегат. Для отсутствующего агрегата возвращает ErrProgressNotFound.
	Delete(ctx context.Context, learnerID shared.LearnerID) error

	// Scan обходит все агрегаты. Порядок не гарантируется.
	// Если fn возвращает ошибку, обход прекращается с этой ошибкой.
	Scan(ctx context.Context, fn func(*Aggregate) error) error
}

// Catalog - внешний справочник стоимости заданий (только чтение).
type Catalog interface {
	// QuestionPoints возвращает стоимость вопроса или ErrUnknownContent.
	QuestionPoints(ctx context.Context, questionID string) (shared.XP, error)

	// PracticePoints возвращает стоимость практики или ErrUnknownContent.
	PracticePoints(ctx context.Context, practiceID string) (shared.XP, error)
}

// StaticCatalog - Catalog в памяти. Используется в тестах и для локального запуска.
type StaticCatalog struct {
	Questions map[string]shared.XP
	Practices map[string]shared.XP
}

// QuestionPoints implements Catalog.
func (c StaticCatalog) QuestionPoints(_ context.Context, questionID string) (shared.XP, error) {
	if p, ok := c.Questions[questionID]; ok {
		return p, nil
	}
	return 0, ErrUnknownContent
}

// PracticePoints implements Catalog.
func (c StaticCatalog) PracticePoints(_ context.Context, practiceID string) (shared.XP, error) {
	if p, ok := c.Practices[practiceID]; ok {
		return p, nil
	}
	return 0, ErrUnknownContent
}

// ResolvePoints определяет номинальную стоимость события:
// явная стоимость события, иначе Catalog; неверный ответ и LessonStarred стоят 0.
func ResolvePoints(ctx context.Context, catalog Catalog, ev Event) (shared.XP, error) {
	ev = Normalize(ev)
	if !ev.Earns() {
		return 0, nil
	}
	if p := ev.PointsOverride(); p != nil {
		return shared.NewXP(*p)
	}
	if catalog == nil {
		return 0, ErrUnknownContent
	}
	switch ev.Kind() {
	case KindQuestionAnswered:
		return catalog.QuestionPoints(ctx, ev.CatalogRef())
	case KindCodePracticeCompleted:
		return catalog.PracticePoints(ctx, ev.CatalogRef())
	default:
		return 0, nil
	}
}
