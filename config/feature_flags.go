package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags manages feature toggles with per-learner percentage rollout.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// learnerID -> feature -> enabled
	overrides map[string]map[string]bool
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Rollout percentage (0-100); learners are bucketed by hash of their ID.
	RolloutPercent int
}

// Predefined feature flag names.
const (
	// Decorate leaderboard entries with display names from the user directory
	FeatureLeaderboardDisplayNames = "leaderboard.display_names"
	// Serve the weekly view
	FeatureLeaderboardWeekly = "leaderboard.weekly"
	// Publish DailyCapReached events
	FeatureEventsDailyCap = "events.daily_cap"
	// Publish StreakBroken events
	FeatureEventsStreakBroken = "events.streak_broken"
)

// LoadFeatureFlags loads feature flags from defaults and environment overrides.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()
	ff.loadFromEnvironment()
	return ff
}

// NewFeatureFlags returns the default flag set without reading the environment.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:  make(map[string]*Feature),
		overrides: make(map[string]map[string]bool),
	}
	for _, f := range []Feature{
		{Name: FeatureLeaderboardDisplayNames, Description: "Resolve display names for leaderboard entries", Enabled: true, RolloutPercent: 100},
		{Name: FeatureLeaderboardWeekly, Description: "Serve the weekly leaderboard", Enabled: true, RolloutPercent: 100},
		{Name: FeatureEventsDailyCap, Description: "Publish an event when a learner fills the daily cap", Enabled: true, RolloutPercent: 100},
		{Name: FeatureEventsStreakBroken, Description: "Publish an event when a streak restarts", Enabled: false, RolloutPercent: 0},
	} {
		f := f
		ff.features[f.Name] = &f
	}
	return ff
}

// loadFromEnvironment reads FEATURE_<NAME>=true|false|<percent>.
// Example: FEATURE_EVENTS_STREAK_BROKEN=25
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}
		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			feature.RolloutPercent = 0
			if b {
				feature.RolloutPercent = 100
			}
			continue
		}
		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// "events.daily_cap" -> "FEATURE_EVENTS_DAILY_CAP"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// Enabled reports whether a feature is on globally (rollout ignored).
func (ff *FeatureFlags) Enabled(featureName string) bool {
	if ff == nil {
		return true
	}
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	f, ok := ff.features[featureName]
	return ok && f.Enabled && f.RolloutPercent > 0
}

// IsEnabledFor checks a feature for a specific learner, honoring overrides and rollout.
// A nil receiver means every feature is on.
func (ff *FeatureFlags) IsEnabledFor(featureName, learnerID string) bool {
	if ff == nil {
		return true
	}
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if o, ok := ff.overrides[learnerID]; ok {
		if enabled, ok := o[featureName]; ok {
			return enabled
		}
	}

	f, ok := ff.features[featureName]
	if !ok || !f.Enabled {
		return false
	}
	if f.RolloutPercent >= 100 {
		return true
	}
	return inRollout(learnerID, featureName, f.RolloutPercent)
}

// inRollout buckets learners consistently so they keep their assignment.
func inRollout(learnerID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(learnerID))
	return int(h.Sum32()%100) < percent
}

// SetOverride forces a feature on or off for one learner.
func (ff *FeatureFlags) SetOverride(learnerID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if _, ok := ff.overrides[learnerID]; !ok {
		ff.overrides[learnerID] = make(map[string]bool)
	}
	ff.overrides[learnerID][featureName] = enabled
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	f, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}
	f.RolloutPercent = percent
	f.Enabled = percent > 0
	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// All returns a copy of all feature configurations.
func (ff *FeatureFlags) All() map[string]Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	result := make(map[string]Feature, len(ff.features))
	for k, v := range ff.features {
		result[k] = *v
	}
	return result
}

// --- Errors ---

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
