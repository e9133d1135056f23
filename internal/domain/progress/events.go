package progress

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// EventKind - тип входящего события прогресса.
type EventKind string

const (
	KindQuestionAnswered      EventKind = "question_answered"
	KindCodePracticeCompleted EventKind = "code_practice_completed"
	KindLessonStarred         EventKind = "lesson_starred"
)

// Event - входящее событие, которое может изменить агрегат.
// Теги validate проверяются на входе в ApplyEvent до обращения к хранилищу.
type Event interface {
	Kind() EventKind
	// OccurredAt - момент события; дата берётся в часовом поясе платформы.
	OccurredAt() time.Time
	// CatalogRef - идентификатор задания для Catalog, пусто для событий без опыта.
	CatalogRef() string
	// PointsOverride - номинальная стоимость, переданная вызывающим; nil = спросить Catalog.
	PointsOverride() *int
	// Earns - приносит ли событие опыт (неверный ответ не приносит).
	Earns() bool
}

// QuestionAnswered - ученик ответил на вопрос.
type QuestionAnswered struct {
	QuestionID  string    `json:"question_id" validate:"required,max=128"`
	Correct     bool      `json:"correct"`
	UserAnswer  string    `json:"user_answer" validate:"max=4096"`
	TimeSpentMs int64     `json:"time_spent_ms" validate:"gte=0"`
	Points      *int      `json:"points,omitempty" validate:"omitempty,gte=0"`
	At          time.Time `json:"at" validate:"required"`
}

func (e QuestionAnswered) Kind() EventKind       { return KindQuestionAnswered }
func (e QuestionAnswered) OccurredAt() time.Time { return e.At }
func (e QuestionAnswered) CatalogRef() string    { return e.QuestionID }
func (e QuestionAnswered) PointsOverride() *int  { return e.Points }
func (e QuestionAnswered) Earns() bool           { return e.Correct }

// CodePracticeCompleted - ученик отправил решение практики.
type CodePracticeCompleted struct {
	PracticeID string    `json:"practice_id" validate:"required,max=128"`
	UserCode   string    `json:"user_code" validate:"max=65536"`
	IsCorrect  bool      `json:"is_correct"`
	Points     *int      `json:"points,omitempty" validate:"omitempty,gte=0"`
	At         time.Time `json:"at" validate:"required"`
}

func (e CodePracticeCompleted) Kind() EventKind       { return KindCodePracticeCompleted }
func (e CodePracticeCompleted) OccurredAt() time.Time { return e.At }
func (e CodePracticeCompleted) CatalogRef() string    { return e.PracticeID }
func (e CodePracticeCompleted) PointsOverride() *int  { return e.Points }
func (e CodePracticeCompleted) Earns() bool           { return e.IsCorrect }

// LessonStarred - ученик получил звёзды за урок. Опыта не приносит, но считается активностью.
type LessonStarred struct {
	LessonID string    `json:"lesson_id" validate:"required,max=128"`
	Stars    int       `json:"stars" validate:"gte=0,lte=3"`
	At       time.Time `json:"at" validate:"required"`
}

func (e LessonStarred) Kind() EventKind       { return KindLessonStarred }
func (e LessonStarred) OccurredAt() time.Time { return e.At }
func (e LessonStarred) CatalogRef() string    { return "" }
func (e LessonStarred) PointsOverride() *int  { return nil }
func (e LessonStarred) Earns() bool           { return false }

// ══════════════════════════════════════════════════════════════════════════════
// ИСТОРИЯ
// ══════════════════════════════════════════════════════════════════════════════

// QuestionCompletion - запись в журнале ответов. Повторы разрешены.
type QuestionCompletion struct {
	QuestionID  string    `json:"question_id"`
	Correct     bool      `json:"correct"`
	UserAnswer  string    `json:"user_answer"`
	TimeSpentMs int64     `json:"time_spent_ms"`
	// PointsAwarded - номинальная стоимость, хранится для аудита даже при исчерпанном лимите.
	PointsAwarded shared.XP `json:"points_awarded"`
	CreditedXP    shared.XP `json:"credited_xp"`
	CompletedAt   time.Time `json:"completed_at"`
}

// PracticeCompletion - запись в журнале практик.
type PracticeCompletion struct {
	PracticeID  string    `json:"practice_id"`
	UserCode    string    `json:"user_code"`
	IsCorrect   bool      `json:"is_correct"`
	XPEarned    shared.XP `json:"xp_earned"`
	CreditedXP  shared.XP `json:"credited_xp"`
	CompletedAt time.Time `json:"completed_at"`
}

// Normalize разыменовывает указатели на события. Для nil-указателя возвращает nil.
func Normalize(ev Event) Event {
	switch e := ev.(type) {
	case *QuestionAnswered:
		if e == nil {
			return nil
		}
		return *e
	case *CodePracticeCompleted:
		if e == nil {
			return nil
		}
		return *e
	case *LessonStarred:
		if e == nil {
			return nil
		}
		return *e
	}
	return ev
}
