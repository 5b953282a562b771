// ============================================================================
// docflow Fallback Controller
// ============================================================================
//
// Package: internal/fallback
// File: controller.go
// Purpose: Drive the conversion engine for one job through up to three
//          parameter tiers.
//
// Decision table (per engine result):
//   success                     -> completed
//   RenderingFailure, tier 1/2  -> next tier (tier 1 only when OCR requested)
//   RenderingFailure, tier 3    -> failed (fallback_exhausted)
//   RenderingFailure, no OCR    -> failed (rendering_no_ocr)
//   Encryption / CorruptInput   -> failed immediately
//   unclassified engine error   -> failed immediately
//   call timeout                -> timed_out
//
// Cancellation checkpoints: before tier 1, after every engine call and
// before every escalation.
//
// ============================================================================

package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// Emitter records events and progress on behalf of the job. Emit swallows
// persistence failures; the job keeps running.
type Emitter interface {
	Emit(ctx context.Context, kind types.EventKind, message string, details map[string]any)
	Progress(p types.Progress)
}

// CancelToken is the job's cooperative cancellation flag.
type CancelToken interface {
	CancelRequested() bool
	CancelReason() types.CancelReason
}

// Recorder counts tier escalations.
type Recorder interface {
	RecordFallback(tier int)
}

// Config tunes the controller.
type Config struct {
	ImageDPI    int           // tier-1 resolution
	SafeDPI     int           // tier-2/3 resolution
	CallTimeout time.Duration // bound of a single engine call, 0 means none
	Grace       time.Duration // added to the job deadline when capping calls
	Logger      *slog.Logger
	Recorder    Recorder
}

// Attempt is one engine call.
type Attempt struct {
	Tier     int
	Params   engine.Parameters
	Category types.Category
	Err      error
	Duration time.Duration
}

// Outcome is the terminal decision for a job.
type Outcome struct {
	Status   types.Status
	Result   *types.Result
	Error    *types.ErrorDescriptor
	Attempts []Attempt
}

// Controller runs the tier state machine. It is stateless between jobs and
// safe for concurrent use.
type Controller struct {
	engine engine.Engine
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a controller around eng.
func New(eng engine.Engine, cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{engine: eng, cfg: cfg, logger: logger, now: time.Now}
}

// Run drives job to a terminal outcome. ctx is the job's run context; it is
// cancelled when the job is forcibly finalized elsewhere.
func (c *Controller) Run(ctx context.Context, job types.Job, token CancelToken, emit Emitter) Outcome {
	var out Outcome
	logger := c.logger.With("jobID", job.ID)

	if token.CancelRequested() {
		return c.cancelled(out, token)
	}

	params := TierParameters(1, job.Config, c.cfg.ImageDPI, c.cfg.SafeDPI)
	input := engine.Input{JobID: job.ID, Path: job.Input.Path, Filename: job.Input.Filename, Size: job.Input.Size}

	for {
		logger.Debug("invoking engine", "params", params.String())
		res, err := c.call(ctx, job, input, params, emit)
		category := engine.Classify(err)
		out.Attempts = append(out.Attempts, Attempt{Tier: params.Tier, Params: params, Category: category, Err: err, Duration: res.elapsed})

		// checkpoint: a cancel that arrived during the call wins over its result
		if token.CancelRequested() {
			return c.cancelled(out, token)
		}

		if err == nil {
			out.Status = types.StatusCompleted
			out.Result = toResult(res.output, params)
			logger.Info("conversion completed", "tier", params.Tier)
			return out
		}

		switch category {
		case types.CategoryRendering:
			if params.Tier == 1 && !params.OCREnabled {
				return failed(out, category, types.ReasonRenderingNoOCR, "rendering failure, no OCR to retry: "+err.Error())
			}
			if params.Tier >= MaxTier {
				return failed(out, category, types.ReasonFallbackExhausted, "all fallback strategies exhausted: "+err.Error())
			}

			next := TierParameters(params.Tier+1, job.Config, c.cfg.ImageDPI, c.cfg.SafeDPI)
			if token.CancelRequested() {
				return c.cancelled(out, token)
			}
			emit.Emit(ctx, types.EventFallbackApplied,
				fmt.Sprintf("escalating to tier %d after %s", next.Tier, category),
				map[string]any{
					"tier":           next.Tier,
					"from_tier":      params.Tier,
					"error_category": string(category),
					"error":          err.Error(),
					"delta":          Delta(params, next),
				})
			if c.cfg.Recorder != nil {
				c.cfg.Recorder.RecordFallback(next.Tier)
			}
			logger.Warn("rendering failure, escalating", "from_tier", params.Tier, "to_tier", next.Tier, "error", err)
			params = next

		case types.CategoryTimeout:
			out.Status = types.StatusTimedOut
			out.Error = &types.ErrorDescriptor{
				Category: types.CategoryTimeout,
				Reason:   types.ReasonDeadline,
				Message:  fmt.Sprintf("engine call exceeded its time limit at tier %d", params.Tier),
			}
			return out

		case types.CategoryCancellation:
			// run context released without a cancel flag: process shutdown
			out.Status = types.StatusCancelled
			out.Error = &types.ErrorDescriptor{
				Category: types.CategoryCancellation,
				Reason:   types.ReasonShutdown,
				Message:  "job interrupted by shutdown",
			}
			return out

		case types.CategoryEncryption, types.CategoryCorruptInput:
			return failed(out, category, types.ReasonFatalInput, err.Error())

		default:
			return failed(out, types.CategoryEngine, types.ReasonEngine, err.Error())
		}
	}
}

type callResult struct {
	output  *engine.Output
	elapsed time.Duration
}

type convertResult struct {
	output *engine.Output
	err    error
}

// call runs one engine call in its own goroutine so the bound holds even for
// engines that ignore ctx. A result arriving after the bound is dropped.
func (c *Controller) call(ctx context.Context, job types.Job, in engine.Input, params engine.Parameters, emit Emitter) (callResult, error) {
	timeout := c.cfg.CallTimeout
	if job.Config.Deadline > 0 && !job.CreatedAt.IsZero() {
		remaining := job.CreatedAt.Add(job.Config.Deadline + c.cfg.Grace).Sub(c.now())
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rep := &reporter{ctx: ctx, tier: params.Tier, emit: emit}
	defer rep.closed.Store(true)

	// buffered so an abandoned call can still exit
	resCh := make(chan convertResult, 1)
	start := c.now()
	go func() {
		var r convertResult
		defer func() {
			if p := recover(); p != nil {
				r = convertResult{err: fmt.Errorf("engine panic: %v", p)}
			}
			resCh <- r
		}()
		r.output, r.err = c.engine.Convert(callCtx, in, params, rep)
	}()

	var r convertResult
	select {
	case r = <-resCh:
	case <-callCtx.Done():
		select {
		case r = <-resCh:
		default:
			c.logger.Warn("engine ignored cancellation, abandoning call", "jobID", job.ID, "tier", params.Tier, "error", callCtx.Err())
			r.err = callCtx.Err()
		}
	}
	output, err := r.output, r.err
	res := callResult{output: output, elapsed: c.now().Sub(start)}

	if err == nil && output == nil {
		err = errors.New("engine returned no output")
	}
	// engines that ignore ctx may report an unrelated error after the deadline
	if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return res, err
		}
		return res, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, context.Canceled) {
		return res, fmt.Errorf("%w: %v", context.Canceled, err)
	}
	return res, err
}

func (c *Controller) cancelled(out Outcome, token CancelToken) Outcome {
	if token.CancelReason() == types.CancelByDeadline {
		out.Status = types.StatusTimedOut
		out.Error = &types.ErrorDescriptor{
			Category: types.CategoryTimeout,
			Reason:   types.ReasonDeadline,
			Message:  "job exceeded its deadline",
		}
		return out
	}
	out.Status = types.StatusCancelled
	out.Error = &types.ErrorDescriptor{
		Category: types.CategoryCancellation,
		Reason:   types.ReasonUserCancel,
		Message:  "job cancelled by request",
	}
	return out
}

func failed(out Outcome, category types.Category, reason, message string) Outcome {
	out.Status = types.StatusFailed
	out.Error = &types.ErrorDescriptor{Category: category, Reason: reason, Message: message}
	return out
}

func toResult(o *engine.Output, params engine.Parameters) *types.Result {
	r := &types.Result{
		OutputPath:     o.Path,
		OutputFilename: o.Filename,
		OutputSize:     o.Size,
		Tier:           params.Tier,
		PdfaLevel:      o.PdfaLevel,
		OCRApplied:     o.OCRApplied,
	}
	if r.PdfaLevel == 0 {
		r.PdfaLevel = params.PdfaLevel
	}
	return r
}

// reporter turns engine callbacks into job events and progress.
type reporter struct {
	ctx    context.Context
	tier   int
	emit   Emitter
	closed atomic.Bool // set once the call returned; late callbacks are dropped
}

func (r *reporter) Progress(percentage float64, step string, current, total int) {
	if r.closed.Load() {
		return
	}
	r.emit.Progress(types.Progress{Percentage: percentage, Step: step, Current: current, Total: total})
}

func (r *reporter) Notice(n engine.Notice) {
	if r.closed.Load() {
		return
	}
	kind := types.EventKind(n.Kind)
	switch n.Kind {
	case engine.NoticeOCRDecision, engine.NoticeFormatConversion, engine.NoticePriorTextLayer:
	default:
		return
	}
	details := make(map[string]any, len(n.Details)+1)
	for k, v := range n.Details {
		details[k] = v
	}
	details["tier"] = r.tier
	if n.Kind == engine.NoticePriorTextLayer {
		details["category"] = string(types.CategoryPriorArtifact)
	}
	r.emit.Emit(r.ctx, kind, n.Message, details)
}
