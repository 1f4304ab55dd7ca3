package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/quizchain/internal/agent/instructions"
	"github.com/mohammad-safakhou/quizchain/internal/agent/reasoning"
	"github.com/mohammad-safakhou/quizchain/internal/capability"
	"github.com/mohammad-safakhou/quizchain/internal/helpers"
	"github.com/mohammad-safakhou/quizchain/internal/runs"
	"github.com/mohammad-safakhou/quizchain/internal/submission"
	"github.com/mohammad-safakhou/quizchain/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// A hop ends "incomplete" after maxCapabilityRounds reasoning rounds or
// maxCapabilityCalls capability invocations, whichever comes first. Both are fixed so
// a hop terminates regardless of the chain budget.
const (
	maxCapabilityRounds = 24
	maxCapabilityCalls  = 64
)

const (
	DefaultMaxHops       = 20
	DefaultTimeBudget    = 3 * time.Minute
	DefaultMaxConcurrent = 4
)

var (
	// ErrInvalidRequest is returned by Start for unusable credentials or URLs.
	ErrInvalidRequest = errors.New("invalid chain request")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("orchestrator closed")
)

var orchestratorTracer trace.Tracer = otel.Tracer("quizchain/internal/agent/orchestrator")

// Clock supplies the time used for budget decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Instructions builds the initial transcript of a hop.
type Instructions interface {
	Build(task instructions.Task) reasoning.Transcript
}

// Deps are the collaborators injected into an Orchestrator.
type Deps struct {
	Registry     *capability.Registry
	Reasoner     reasoning.Reasoner
	Instructions Instructions
	Clock        Clock
	Logger       *log.Logger
	Metrics      *telemetry.Metrics
	Runs         runs.Store
}

// Options bound chain execution.
type Options struct {
	MaxHops       int
	TimeBudget    time.Duration
	MaxConcurrent int
	// DownloadsDir is the parent of every run's working directory.
	DownloadsDir string
}

func (o Options) normalized() Options {
	if o.MaxHops <= 0 {
		o.MaxHops = DefaultMaxHops
	}
	if o.TimeBudget <= 0 {
		o.TimeBudget = DefaultTimeBudget
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if strings.TrimSpace(o.DownloadsDir) == "" {
		o.DownloadsDir = filepath.Join(os.TempDir(), "quizchain")
	}
	return o
}

// Orchestrator drives quiz chains: one hop at a time, each hop a bounded reasoning
// loop over the capability registry.
type Orchestrator struct {
	registry *capability.Registry
	reasoner reasoning.Reasoner
	instr    Instructions
	clock    Clock
	logger   *log.Logger
	metrics  *telemetry.Metrics
	runs     runs.Store
	opts     Options

	// Detached chains run under base; Close cancels it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// mu orders wg.Add in Start against Close.
	mu     sync.Mutex
	closed bool

	// Concurrency control
	semaphore chan struct{}
}

// NewOrchestrator validates deps and returns an orchestrator. Registry and Reasoner are
// required; the rest have defaults.
func NewOrchestrator(d Deps, opts Options) (*Orchestrator, error) {
	if d.Registry == nil {
		return nil, errors.New("capability registry is required")
	}
	if d.Reasoner == nil {
		return nil, errors.New("reasoner is required")
	}
	if err := d.Registry.Require(capability.SubmitAnswer); err != nil {
		return nil, err
	}
	if d.Instructions == nil {
		d.Instructions = instructions.New()
	}
	if d.Clock == nil {
		d.Clock = systemClock{}
	}
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	if d.Runs == nil {
		d.Runs = runs.Discard{}
	}
	opts = opts.normalized()
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry:  d.Registry,
		reasoner:  d.Reasoner,
		instr:     d.Instructions,
		clock:     d.Clock,
		logger:    d.Logger,
		metrics:   d.Metrics,
		runs:      d.Runs,
		opts:      opts,
		base:      base,
		cancel:    cancel,
		semaphore: make(chan struct{}, opts.MaxConcurrent),
	}, nil
}

// Start validates the request, records a queued run and launches the chain on its own
// goroutine. It returns the run ID without waiting for the chain. ctx only bounds the
// initial snapshot write; the chain itself runs until done or Close.
func (o *Orchestrator) Start(ctx context.Context, creds submission.Credentials, startURL string) (string, error) {
	if !creds.Valid() {
		return "", fmt.Errorf("%w: email and secret are required", ErrInvalidRequest)
	}
	startURL = strings.TrimSpace(startURL)
	if startURL == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()

	id := uuid.NewString()
	queued := ChainRun{ID: id, StartURL: startURL, Credentials: creds, StartTime: o.clock.Now(), Status: runs.StatusQueued}
	o.save(ctx, queued)

	go func() {
		defer o.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				o.logger.Printf("run %s: chain panicked: %v", id, rec)
			}
		}()
		select {
		case o.semaphore <- struct{}{}:
			defer func() { <-o.semaphore }()
		case <-o.base.Done():
			o.logger.Printf("run %s: canceled before start", id)
			return
		}
		o.runChain(o.base, id, creds, startURL)
	}()
	return id, nil
}

// Close cancels running chains and waits for them to return.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// RunChain runs a chain in the caller's goroutine and returns its final state. It never
// fails: every way a chain ends is recorded in StopReason.
func (o *Orchestrator) RunChain(ctx context.Context, creds submission.Credentials, startURL string) ChainRun {
	return o.runChain(ctx, uuid.NewString(), creds, strings.TrimSpace(startURL))
}

func (o *Orchestrator) runChain(ctx context.Context, id string, creds submission.Credentials, startURL string) ChainRun {
	run := ChainRun{
		ID:          id,
		StartURL:    startURL,
		Credentials: creds,
		StartTime:   o.clock.Now(),
		Status:      runs.StatusRunning,
	}
	ctx, span := orchestratorTracer.Start(ctx, "chain.run",
		trace.WithAttributes(
			attribute.String("run.id", id),
			attribute.String("chain.start_url", startURL),
		))
	defer span.End()

	workDir := filepath.Join(o.opts.DownloadsDir, id)
	o.logger.Printf("run %s: starting chain at %s for %s", id, startURL, creds.String())
	o.save(ctx, run)

	current := startURL
	for {
		reason, stop := o.checkBoundary(ctx, run, current)
		if stop {
			run.StopReason = reason
			break
		}
		run.HopCount++
		hop := TaskHop{Index: run.HopCount, TaskURL: current, StartedAt: o.clock.Now()}
		env := capability.Env{RunID: id, TaskURL: current, Credentials: creds, WorkDir: workDir}
		remaining := o.opts.TimeBudget - hop.StartedAt.Sub(run.StartTime)
		o.logger.Printf("run %s: hop %d starting for %s", id, hop.Index, current)

		res := o.solveHop(ctx, env, hop, remaining)
		run.Hops = append(run.Hops, HopOutcome{Hop: hop, Result: res, Duration: o.clock.Now().Sub(hop.StartedAt)})
		o.save(ctx, run)

		if !res.Success {
			o.metrics.ObserveHop(HopFailed)
			if ctx.Err() != nil {
				run.StopReason = StopCanceled
			} else {
				run.StopReason = StopHopFailed
			}
			o.logger.Printf("run %s: hop %d failed (%s): %v", id, hop.Index, res.FinalText, res.Err)
			break
		}
		if res.Submission == nil {
			o.metrics.ObserveHop(HopNoSubmission)
			run.StopReason = StopProtocolError
			o.logger.Printf("run %s: hop %d ended without a parsed submission; last text: %q", id, hop.Index, clipLog(res.FinalText))
			break
		}
		if res.Submission.Correct {
			o.metrics.ObserveHop(HopCorrect)
		} else {
			o.metrics.ObserveHop(HopIncorrect)
		}
		o.logger.Printf("run %s: hop %d submitted correct=%t reason=%q next=%q", id, hop.Index, res.Submission.Correct, res.Submission.Reason, res.Submission.NextURL)
		if !res.Submission.Continues() {
			run.StopReason = StopCompleted
			break
		}
		current = res.Submission.NextURL
	}

	run.EndTime = o.clock.Now()
	run.Status = runs.StatusFinished
	elapsed := run.Elapsed(run.EndTime)
	o.metrics.ObserveChain(string(run.StopReason), elapsed)
	span.SetAttributes(
		attribute.Int("chain.hops", run.HopCount),
		attribute.String("chain.stop_reason", string(run.StopReason)),
	)
	if run.StopReason == StopCompleted {
		span.SetStatus(codes.Ok, "completed")
	} else {
		span.SetStatus(codes.Error, string(run.StopReason))
	}
	o.save(context.WithoutCancel(ctx), run)
	o.logger.Printf("run %s: chain finished after %d hops in %s: %s", id, run.HopCount, elapsed.Round(time.Millisecond), run.StopReason)
	return run
}

// checkBoundary decides, before a hop starts, whether the chain must stop. The budget
// is only enforced here; an in-flight hop is never preempted by it.
func (o *Orchestrator) checkBoundary(ctx context.Context, run ChainRun, next string) (StopReason, bool) {
	if next == "" {
		return StopCompleted, true
	}
	if ctx.Err() != nil {
		return StopCanceled, true
	}
	if run.HopCount >= o.opts.MaxHops {
		o.logger.Printf("run %s: hop limit %d reached", run.ID, o.opts.MaxHops)
		return StopHopLimit, true
	}
	if elapsed := o.clock.Now().Sub(run.StartTime); elapsed > o.opts.TimeBudget {
		o.logger.Printf("run %s: time budget %s exhausted after %s; not starting hop %d", run.ID, o.opts.TimeBudget, elapsed.Round(time.Second), run.HopCount+1)
		return StopTimeBudget, true
	}
	return "", false
}

// SolveHop runs one hop outside any chain, in a fresh working directory.
func (o *Orchestrator) SolveHop(ctx context.Context, creds submission.Credentials, taskURL string) HopResult {
	id := uuid.NewString()
	taskURL = strings.TrimSpace(taskURL)
	env := capability.Env{RunID: id, TaskURL: taskURL, Credentials: creds, WorkDir: filepath.Join(o.opts.DownloadsDir, id)}
	return o.solveHop(ctx, env, TaskHop{Index: 1, TaskURL: taskURL, StartedAt: o.clock.Now()}, o.opts.TimeBudget)
}

func (o *Orchestrator) solveHop(ctx context.Context, env capability.Env, hop TaskHop, remaining time.Duration) (result HopResult) {
	ctx, span := orchestratorTracer.Start(ctx, "chain.hop",
		trace.WithAttributes(
			attribute.String("run.id", env.RunID),
			attribute.Int("hop.index", hop.Index),
			attribute.String("hop.task_url", hop.TaskURL),
		))
	defer func() {
		span.SetAttributes(
			attribute.Int("hop.rounds", result.Rounds),
			attribute.Int("hop.calls", result.Calls),
			attribute.Bool("hop.submitted", result.Submission != nil),
		)
		if result.Err != nil {
			span.RecordError(result.Err)
		}
		if !result.Success {
			span.SetStatus(codes.Error, result.FinalText)
		}
		span.End()
	}()

	transcript := o.instr.Build(instructions.Task{
		URL:       hop.TaskURL,
		Email:     env.Credentials.Email,
		HopIndex:  hop.Index,
		Remaining: remaining,
	})
	schemas := o.registry.Schemas()

	for round := 0; round < maxCapabilityRounds; round++ {
		if err := ctx.Err(); err != nil {
			result.FinalText = "canceled"
			result.Err = err
			return result
		}
		decision, err := o.reasoner.Decide(ctx, transcript, schemas)
		if err == nil {
			err = decision.Validate()
		}
		if err != nil {
			result.FinalText = "reasoning failed"
			result.Err = fmt.Errorf("reasoning round %d: %w", round+1, err)
			return result
		}
		result.Rounds++
		for i := range decision.Calls {
			if decision.Calls[i].ID == "" {
				decision.Calls[i].ID = "call_" + uuid.NewString()
			}
		}
		transcript = transcript.AppendDecision(decision)
		if decision.Terminal() {
			result.Success = true
			result.FinalText = decision.Final
			return result
		}
		for _, call := range decision.Calls {
			if result.Calls >= maxCapabilityCalls {
				o.logger.Printf("run %s: hop %d: capability call ceiling %d reached", env.RunID, hop.Index, maxCapabilityCalls)
				result.FinalText = "incomplete"
				return result
			}
			exec := call
			if exec.Name == capability.SubmitAnswer {
				exec.Arguments = o.guardSubmission(env, exec.Arguments)
			}
			res := o.registry.Invoke(ctx, env, exec)
			result.Calls++
			if res.Submission != nil {
				sub := *res.Submission
				result.Submission = &sub
			}
			if !res.Success {
				o.logger.Printf("run %s: hop %d: %s failed: %s", env.RunID, hop.Index, call.Name, clipLog(res.Text))
			}
			transcript = transcript.AppendResult(call, res)
		}
	}
	result.FinalText = "incomplete"
	return result
}

// guardSubmission pins the credential and task fields of submit_answer arguments to the
// hop's values. The submit destination is left as the reasoning component chose it.
func (o *Orchestrator) guardSubmission(env capability.Env, args json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(args, &fields); err != nil || fields == nil {
		return args
	}
	pinned := map[string]string{
		"email":  env.Credentials.Email,
		"secret": env.Credentials.Secret,
		"url":    env.TaskURL,
	}
	for key, want := range pinned {
		var got string
		if raw, ok := fields[key]; ok {
			_ = json.Unmarshal(raw, &got)
		}
		if key != "secret" && got != "" && got != want {
			o.logger.Printf("run %s: overriding submit_answer %s %q with %q", env.RunID, key, got, want)
		}
		enc, _ := json.Marshal(want)
		fields[key] = enc
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return args
	}
	return out
}

func (o *Orchestrator) save(ctx context.Context, run ChainRun) {
	if err := o.runs.Save(ctx, run.Snapshot(o.clock.Now())); err != nil {
		o.logger.Printf("run %s: saving snapshot failed: %v", run.ID, err)
	}
}

func clipLog(s string) string {
	out, truncated := helpers.Truncate(strings.Join(strings.Fields(s), " "), 300)
	if truncated {
		out += "..."
	}
	return out
}
