package core

import (
	"time"

	"github.com/mohammad-safakhou/quizchain/internal/helpers"
	"github.com/mohammad-safakhou/quizchain/internal/runs"
	"github.com/mohammad-safakhou/quizchain/internal/submission"
)

// StopReason records why a chain ended.
type StopReason string

const (
	StopCompleted     StopReason = "completed"
	StopHopLimit      StopReason = "hop_limit"
	StopTimeBudget    StopReason = "time_budget"
	StopHopFailed     StopReason = "hop_failed"
	StopProtocolError StopReason = "protocol_error"
	StopCanceled      StopReason = "canceled"
)

// Hop outcomes reported to metrics.
const (
	HopCorrect      = "correct"
	HopIncorrect    = "incorrect"
	HopNoSubmission = "no_submission"
	HopFailed       = "failed"
)

// TaskHop is one task URL being processed. It is not modified once created.
type TaskHop struct {
	Index     int       `json:"index"`
	TaskURL   string    `json:"task_url"`
	StartedAt time.Time `json:"started_at"`
}

// HopResult is what solving one hop produced. Submission is the last outcome returned
// by submit_answer during the hop, if any.
type HopResult struct {
	Success    bool                `json:"success"`
	FinalText  string              `json:"final_text"`
	Submission *submission.Outcome `json:"submission,omitempty"`
	Rounds     int                 `json:"rounds"`
	Calls      int                 `json:"calls"`
	Err        error               `json:"-"`
}

// HopOutcome pairs a hop with its result.
type HopOutcome struct {
	Hop      TaskHop       `json:"hop"`
	Result   HopResult     `json:"result"`
	Duration time.Duration `json:"duration"`
}

// ChainRun is the state of one chain execution. It is owned by the orchestrator
// goroutine running it.
type ChainRun struct {
	ID          string                 `json:"id"`
	StartURL    string                 `json:"start_url"`
	Credentials submission.Credentials `json:"-"`
	StartTime   time.Time              `json:"start_time"`
	EndTime     time.Time              `json:"end_time"`
	HopCount    int                    `json:"hop_count"`
	Hops        []HopOutcome           `json:"hops"`
	Status      string                 `json:"status"`
	StopReason  StopReason             `json:"stop_reason,omitempty"`
}

// Elapsed returns the wall time the run took, or has taken as of now.
func (r ChainRun) Elapsed(now time.Time) time.Duration {
	if !r.EndTime.IsZero() {
		return r.EndTime.Sub(r.StartTime)
	}
	return now.Sub(r.StartTime)
}

// Snapshot converts the run into its stored form. The secret is dropped.
func (r ChainRun) Snapshot(now time.Time) runs.Snapshot {
	snap := runs.Snapshot{
		ID:         r.ID,
		StartURL:   r.StartURL,
		Email:      r.Credentials.Email,
		Status:     r.Status,
		StopReason: string(r.StopReason),
		HopCount:   r.HopCount,
		StartedAt:  r.StartTime,
		UpdatedAt:  now,
	}
	if !r.EndTime.IsZero() {
		end := r.EndTime
		snap.FinishedAt = &end
	}
	for _, h := range r.Hops {
		text, _ := helpers.Truncate(h.Result.FinalText, 2000)
		hs := runs.HopSnapshot{
			Index:     h.Hop.Index,
			TaskURL:   h.Hop.TaskURL,
			StartedAt: h.Hop.StartedAt,
			Success:   h.Result.Success,
			FinalText: text,
		}
		if sub := h.Result.Submission; sub != nil {
			hs.Submitted = true
			hs.Correct = sub.Correct
			hs.Reason = sub.Reason
			hs.NextURL = sub.NextURL
		}
		if h.Result.Err != nil {
			hs.Error = h.Result.Err.Error()
		}
		snap.Hops = append(snap.Hops, hs)
	}
	return snap
}
