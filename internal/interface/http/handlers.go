package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVENT INTAKE
// ══════════════════════════════════════════════════════════════════════════════

// eventEnvelope is the part of an event body shared by every kind.
type eventEnvelope struct {
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id"`
}

// applyResponse is what the caller needs after a write.
type applyResponse struct {
	LearnerID         string `json:"learner_id"`
	Version           uint64 `json:"version"`
	TotalXP           int    `json:"total_xp"`
	DailyXPEarned     int    `json:"daily_xp_earned"`
	DailyXPCap        int    `json:"daily_xp_cap"`
	CurrentStreakDays int    `json:"current_streak_days"`
	HighestStreakDays int    `json:"highest_streak_days"`
	WeeklyXP          int    `json:"weekly_xp"`
}

// handleApplyEvent handles POST /api/v1/learners/:id/events
func (s *Server) handleApplyEvent(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes)

	var env eventEnvelope
	if err := c.ShouldBindBodyWith(&env, binding.JSON); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "malformed event body")
		return
	}
	ev, err := decodeEvent(c, env.Kind)
	if err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = handlers.GetRequestID(c)
	}

	agg, err := s.deps.ApplyEvent.Handle(c.Request.Context(), command.ApplyEventCommand{
		LearnerID:     c.Param("id"),
		Event:         ev,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, applyResponse{
		LearnerID:         agg.LearnerID.String(),
		Version:           agg.Version,
		TotalXP:           agg.TotalXP.Int(),
		DailyXPEarned:     agg.DailyXPEarned.Int(),
		DailyXPCap:        agg.DailyXPCap.Int(),
		CurrentStreakDays: agg.CurrentStreakDays,
		HighestStreakDays: agg.HighestStreakDays,
		WeeklyXP:          agg.WeeklyXP.Int(),
	})
}

var errUnknownKind = errors.New("unknown event kind")

// decodeEvent binds the cached body into the concrete event of the given kind.
// A missing "at" is the time of receipt.
func decodeEvent(c *gin.Context, kind string) (progress.Event, error) {
	now := time.Now()
	switch progress.EventKind(kind) {
	case progress.KindQuestionAnswered:
		var ev progress.QuestionAnswered
		if err := c.ShouldBindBodyWith(&ev, binding.JSON); err != nil {
			return nil, err
		}
		if ev.At.IsZero() {
			ev.At = now
		}
		return ev, nil
	case progress.KindCodePracticeCompleted:
		var ev progress.CodePracticeCompleted
		if err := c.ShouldBindBodyWith(&ev, binding.JSON); err != nil {
			return nil, err
		}
		if ev.At.IsZero() {
			ev.At = now
		}
		return ev, nil
	case progress.KindLessonStarred:
		var ev progress.LessonStarred
		if err := c.ShouldBindBodyWith(&ev, binding.JSON); err != nil {
			return nil, err
		}
		if ev.At.IsZero() {
			ev.At = now
		}
		return ev, nil
	}
	return nil, errUnknownKind
}

// handleRemoveLearner handles DELETE /api/v1/learners/:id
func (s *Server) handleRemoveLearner(c *gin.Context) {
	err := s.deps.RemoveLearner.Handle(c.Request.Context(), command.RemoveLearnerCommand{
		LearnerID:     c.Param("id"),
		CorrelationID: handlers.GetRequestID(c),
	})
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetProgress handles GET /api/v1/learners/:id/progress
// ?full=true returns the aggregate with its completion history.
func (s *Server) handleGetProgress(c *gin.Context) {
	q := query.GetProgressQuery{LearnerID: c.Param("id")}

	if full, _ := strconv.ParseBool(c.Query("full")); full {
		agg, err := s.deps.Progress.Handle(c.Request.Context(), q)
		if err != nil {
			s.writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, agg)
		return
	}

	summary, err := s.deps.Progress.Summary(c.Request.Context(), q)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD
// ══════════════════════════════════════════════════════════════════════════════

type leaderboardResponse struct {
	Period  leaderboard.Period  `json:"period"`
	Entries []leaderboard.Entry `json:"entries"`
}

type rankResponse struct {
	LearnerID string             `json:"learner_id"`
	Period    leaderboard.Period `json:"period"`
	Rank      int                `json:"rank"`
}

// handleGetLeaderboard handles GET /api/v1/leaderboard/:period?limit=N
func (s *Server) handleGetLeaderboard(c *gin.Context) {
	period, err := leaderboard.ParsePeriod(c.Param("period"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", "limit must be an integer")
			return
		}
	}

	entries, err := s.deps.Leaderboard.Top(c.Request.Context(), period, limit)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	c.JSON(http.StatusOK, leaderboardResponse{Period: period, Entries: entries})
}

// handleGetRank handles GET /api/v1/leaderboard/:period/learners/:id
func (s *Server) handleGetRank(c *gin.Context) {
	period, err := leaderboard.ParsePeriod(c.Param("period"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	id := c.Param("id")
	var rank shared.Rank
	if period == leaderboard.PeriodWeekly {
		rank, err = s.deps.Leaderboard.RankOfWeekly(c.Request.Context(), id)
	} else {
		rank, err = s.deps.Leaderboard.RankOf(c.Request.Context(), id)
	}
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, rankResponse{LearnerID: id, Period: period, Rank: rank.Int()})
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// writeDomainError maps domain error kinds to status codes.
func (s *Server) writeDomainError(c *gin.Context, err error) {
	switch {
	case shared.IsValidation(err):
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	case shared.IsNotFound(err):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, shared.ErrConcurrentModification):
		c.Header("Retry-After", "1")
		writeError(c, http.StatusConflict, "contention", err.Error())
	case errors.Is(err, shared.ErrServiceUnavailable):
		writeError(c, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		_ = c.Error(err)
		logger.FromContextOr(c.Request.Context(), s.logger).Error("request failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, handlers.ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: handlers.GetRequestID(c),
	})
}
