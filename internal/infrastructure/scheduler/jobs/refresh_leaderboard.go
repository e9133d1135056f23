package jobs

import (
	"context"
	"time"
)

// Refresher publishes pending leaderboard changes.
// Implemented by projections.LeaderboardView.
type Refresher interface {
	Refresh(ctx context.Context) (bool, error)
	Age() time.Duration
}

// SnapshotObserver receives the snapshot age after each refresh.
type SnapshotObserver interface {
	ObserveSnapshotAge(age time.Duration)
}

// RefreshLeaderboardJob publishes a new snapshot generation when anything
// changed since the previous tick or the week rolled over. Its interval is
// the staleness bound of rank reads.
type RefreshLeaderboardJob struct {
	view     Refresher
	observer SnapshotObserver
}

// NewRefreshLeaderboardJob creates the job. observer may be nil.
func NewRefreshLeaderboardJob(view Refresher, observer SnapshotObserver) *RefreshLeaderboardJob {
	return &RefreshLeaderboardJob{view: view, observer: observer}
}

func (j *RefreshLeaderboardJob) Name() string { return "refresh_leaderboard" }

func (j *RefreshLeaderboardJob) Description() string {
	return "Publishes the in-process leaderboard snapshot"
}

func (j *RefreshLeaderboardJob) Run(ctx context.Context) error {
	if _, err := j.view.Refresh(ctx); err != nil {
		return err
	}
	if j.observer != nil {
		j.observer.ObserveSnapshotAge(j.view.Age())
	}
	return nil
}
