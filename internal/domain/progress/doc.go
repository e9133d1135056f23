// Package progress содержит доменную модель прогресса ученика.
//
// Пакет определяет:
//
//   - Агрегат (Aggregate): опыт, дневной лимит, серия дней, история выполнений
//   - Чистую логику: XP Ledger (Credit) и Streak Tracker (Advance)
//   - Входящие события: QuestionAnswered, CodePracticeCompleted, LessonStarred
//   - Интерфейсы: Store (хранилище с compare-and-swap), Catalog (стоимость заданий)
//
// # Архитектурные принципы
//
//  1. Нулевые внешние зависимости - только стандартная библиотека и pkg/timeutil
//  2. Агрегат меняется только через Aggregate.Apply, а сохраняется только через Store.CompareAndSwap
//  3. Время приходит извне: агрегат не вызывает time.Now
//
// # Пример
//
//	agg := NewAggregate(learnerID, 200, now)
//	outcome := agg.Apply(QuestionAnswered{...}, XP(20), eventDate, now)
//	err := store.CompareAndSwap(ctx, learnerID, agg.Version, agg.Next())
package progress
