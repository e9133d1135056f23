// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"strings"
	"unicode"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// LearnerID identifies a learner. It is issued by the user repository and is
// opaque to the engine: numeric ids and UUIDs are both accepted.
type LearnerID string

// MaxLearnerIDLength bounds the identifier so it fits index keys comfortably.
const MaxLearnerIDLength = 128

// IsValid checks that the id is non-empty, bounded and free of whitespace.
func (l LearnerID) IsValid() bool {
	if l == "" || len(l) > MaxLearnerIDLength {
		return false
	}
	for _, r := range string(l) {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// String returns the string representation.
func (l LearnerID) String() string {
	return string(l)
}

// NewLearnerID creates a new LearnerID with validation.
func NewLearnerID(id string) (LearnerID, error) {
	lid := LearnerID(strings.TrimSpace(id))
	if !lid.IsValid() {
		return "", NewDomainError("shared", "NewLearnerID", ErrInvalidID, "invalid learner ID")
	}
	return lid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// XP Value Object (Experience Points)
// ═══════════════════════════════════════════════════════════════════════════

// XP represents experience points. It is never negative.
type XP int

// MinXP is the floor for any XP value.
const MinXP XP = 0

// IsValid checks if the XP value is non-negative.
func (x XP) IsValid() bool {
	return x >= MinXP
}

// Int returns the underlying int value.
func (x XP) Int() int {
	return int(x)
}

// Add adds XP, never dropping below MinXP.
func (x XP) Add(amount XP) XP {
	result := x + amount
	if result < MinXP {
		return MinXP
	}
	return result
}

// Min returns the smaller of two XP values.
func (x XP) Min(other XP) XP {
	if other < x {
		return other
	}
	return x
}

// NewXP creates a new XP with validation.
func NewXP(amount int) (XP, error) {
	if amount < 0 {
		return 0, NewDomainError("shared", "NewXP", ErrNegativeValue, "XP cannot be negative")
	}
	return XP(amount), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Rank Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Rank represents a 1-based position in a leaderboard.
type Rank int

const (
	MinRank  Rank = 1
	Unranked Rank = 0
)

// IsValid checks if the rank is a real position.
func (r Rank) IsValid() bool {
	return r >= MinRank
}

// Int returns the underlying int value.
func (r Rank) Int() int {
	return int(r)
}

// ═══════════════════════════════════════════════════════════════════════════
// Stars Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Stars is a lesson rating from 0 to 3. Range checks happen on the event.
type Stars int
