package leaderboard

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// INDEX INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Index - производный, согласованный в конечном счёте рейтинг всех агрегатов.
// Реализации: снапшот в памяти процесса (projections) и sorted sets в Redis.
//
// Записи из Top приходят без DisplayName: имена добавляет слой запросов через Directory.
type Index interface {
	// ──────────────────────────────────────────────────────────────────────────
	// READS
	// ──────────────────────────────────────────────────────────────────────────

	// Top возвращает первые limit записей периода. limit <= 0 - ErrInvalidLimit.
	Top(ctx context.Context, period Period, limit int) ([]Entry, error)

	// RankOf возвращает ранг ученика или ErrNotRanked.
	RankOf(ctx context.Context, period Period, learnerID shared.LearnerID) (shared.Rank, error)

	// Size возвращает количество учеников в периоде.
	Size(ctx context.Context, period Period) (int, error)

	// ──────────────────────────────────────────────────────────────────────────
	// WRITES
	// ──────────────────────────────────────────────────────────────────────────

	// Apply учитывает новое положение ученика. Обновление с версией не новее
	// уже известной игнорируется.
	Apply(ctx context.Context, standing Standing) error

	// Remove убирает ученика из всех периодов.
	Remove(ctx context.Context, learnerID shared.LearnerID) error

	// Rebuild заменяет содержимое индекса результатом обхода source.
	// Положения, записанные через Apply или Remove после начала обхода,
	// имеют приоритет над просканированными, если их версия новее.
	Rebuild(ctx context.Context, source Source) error
}

// Source обходит положения всех учеников из хранилища прогресса.
// Индекс вызывает его сам, чтобы отметить момент начала обхода.
type Source func(ctx context.Context, yield func(Standing) error) error

// Standings возвращает Source поверх готового списка.
func Standings(list ...Standing) Source {
	return func(ctx context.Context, yield func(Standing) error) error {
		for _, s := range list {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := yield(s); err != nil {
				return err
			}
		}
		return nil
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DIRECTORY INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Directory - внешний репозиторий пользователей. Используется только для
// оформления записей лидерборда, никогда для авторизации.
type Directory interface {
	// LearnerExists сообщает, существует ли пользователь.
	LearnerExists(ctx context.Context, learnerID shared.LearnerID) (bool, error)

	// DisplayName возвращает отображаемое имя. Для неизвестного пользователя - shared.ErrNotFound.
	DisplayName(ctx context.Context, learnerID shared.LearnerID) (string, error)
}
