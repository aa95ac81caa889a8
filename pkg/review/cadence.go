package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// cadenceDecision is the outcome of the review-cadence state machine.
type cadenceDecision struct {
	process bool
	reason  SkipReason
	message string

	// nextStatus, when set, is persisted before the decision is acted on.
	nextStatus CadenceStatus
	setStatus  bool

	// pauseComment asks the caller to post a pause notice.
	pauseComment bool
}

// evaluateCadence applies the review-cadence policy for one trigger.
//
// A command trigger always processes and moves the PR to COMMAND.
// AUTOMATIC always processes. MANUAL processes only the first review.
// AUTO_PAUSE processes the first review, stays paused once PAUSED, and
// otherwise pauses when the burst rule trips: pushesToTrigger
// successful reviews inside the trailing time window.
func evaluateCadence(ctx context.Context, store StateStore, pr PullRequest, cfg *Config, origin TriggerOrigin, now time.Time) (cadenceDecision, error) {
	state, err := store.CadenceState(ctx, pr)
	if err != nil {
		return cadenceDecision{}, fmt.Errorf("failed to load cadence state: %w", err)
	}

	if origin == OriginCommand {
		return cadenceDecision{process: true, nextStatus: CadenceStatusCommand, setStatus: true}, nil
	}

	switch cfg.CadenceMode {
	case CadenceAutomatic, "":
		return cadenceDecision{process: true}, nil

	case CadenceManual:
		last, err := store.LastAnalyzedCommit(ctx, pr)
		if err != nil {
			return cadenceDecision{}, fmt.Errorf("failed to load review history: %w", err)
		}
		if last == "" {
			return cadenceDecision{process: true}, nil
		}
		return cadenceDecision{
			reason:     ReasonManualRequired,
			message:    "manual cadence: start the review with a command",
			nextStatus: CadenceStatusPaused,
			setStatus:  true,
		}, nil

	case CadenceAutoPause:
		last, err := store.LastAnalyzedCommit(ctx, pr)
		if err != nil {
			return cadenceDecision{}, fmt.Errorf("failed to load review history: %w", err)
		}
		if last == "" {
			return cadenceDecision{process: true}, nil
		}
		if state.CurrentStatus == CadenceStatusPaused {
			return cadenceDecision{
				reason:  ReasonPausedNeedResume,
				message: "reviews are paused for this pull request, resume with a command",
			}, nil
		}
		count, err := store.SuccessfulReviewsSince(ctx, pr, now.Add(-cfg.TimeWindow))
		if err != nil {
			return cadenceDecision{}, fmt.Errorf("failed to count recent reviews: %w", err)
		}
		if count >= cfg.PushesToTrigger {
			return cadenceDecision{
				reason: ReasonPausedBurstPushes,
				message: fmt.Sprintf("%d reviews in the last %s, pausing automatic reviews",
					count, cfg.TimeWindow),
				nextStatus:   CadenceStatusPaused,
				setStatus:    true,
				pauseComment: true,
			}, nil
		}
		return cadenceDecision{process: true}, nil

	default:
		return cadenceDecision{}, fmt.Errorf("unknown cadence mode %q", cfg.CadenceMode)
	}
}

// applyCadence persists the decision's status transition and posts the
// pause comment when asked to.
func applyCadence(ctx context.Context, d cadenceDecision, store StateStore, platform Platform, pr PullRequest, logger *slog.Logger) {
	if d.setStatus {
		if err := store.SaveCadenceState(ctx, pr, CadenceState{CurrentStatus: d.nextStatus}); err != nil {
			logger.Warn("Failed to persist cadence state", "error", err)
		}
	}
	if d.pauseComment && platform != nil {
		if _, err := platform.PostComment(ctx, pr, d.message); err != nil {
			logger.Warn("Failed to post pause comment", "error", err)
		}
	}
}
