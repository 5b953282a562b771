package fallback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 測試替身
// ============================================================================

// scriptedEngine returns one scripted error per call, then succeeds.
type scriptedEngine struct {
	mu      sync.Mutex
	errs    []error
	calls   []engine.Parameters
	notices []engine.Notice
	onCall  func(call int)
}

func (e *scriptedEngine) Convert(ctx context.Context, in engine.Input, p engine.Parameters, r engine.Reporter) (*engine.Output, error) {
	e.mu.Lock()
	call := len(e.calls)
	e.calls = append(e.calls, p)
	var err error
	if call < len(e.errs) {
		err = e.errs[call]
	}
	notices := e.notices
	hook := e.onCall
	e.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	r.Progress(50, "render", 1, 2)
	for _, n := range notices {
		r.Notice(n)
	}
	if err != nil {
		return nil, err
	}
	return &engine.Output{Path: "/tmp/out.pdf", Filename: "out.pdf", Size: 42, OCRApplied: p.OCREnabled}, nil
}

func (e *scriptedEngine) tiers() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int
	for _, p := range e.calls {
		out = append(out, p.Tier)
	}
	return out
}

type emitted struct {
	kind    types.EventKind
	details map[string]any
}

type recordingEmitter struct {
	mu       sync.Mutex
	events   []emitted
	progress []types.Progress
}

func (r *recordingEmitter) Emit(_ context.Context, kind types.EventKind, _ string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{kind: kind, details: details})
}

func (r *recordingEmitter) Progress(p types.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recordingEmitter) kinds() []types.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.EventKind
	for _, e := range r.events {
		out = append(out, e.kind)
	}
	return out
}

type flag struct {
	set    atomic.Bool
	reason atomic.Value
}

func (f *flag) cancel(reason types.CancelReason) {
	f.reason.Store(reason)
	f.set.Store(true)
}

func (f *flag) CancelRequested() bool { return f.set.Load() }

func (f *flag) CancelReason() types.CancelReason {
	if r, ok := f.reason.Load().(types.CancelReason); ok {
		return r
	}
	return ""
}

type tierCounter struct {
	mu    sync.Mutex
	tiers []int
}

func (c *tierCounter) RecordFallback(tier int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiers = append(c.tiers, tier)
}

func testJob(cfg types.Configuration) types.Job {
	return types.Job{
		ID:     "job-1",
		Owner:  "alice",
		Status: types.StatusProcessing,
		Input:  types.InputDescriptor{Filename: "in.pdf", Path: "/tmp/in.pdf", Size: 1024},
		Config: cfg,
	}
}

var ocrConfig = types.Configuration{PdfaLevel: 3, OCREnabled: true, OCRLanguages: []string{"eng"}, Compression: types.CompressionHigh}

// ============================================================================
// 參數
// ============================================================================

func TestTierParameters(t *testing.T) {
	p1 := TierParameters(1, ocrConfig, 300, 150)
	assert.Equal(t, engine.Parameters{Tier: 1, PdfaLevel: 3, OCREnabled: true, OCRLanguages: []string{"eng"}, Compression: types.CompressionHigh, ImageDPI: 300}, p1)

	p2 := TierParameters(2, ocrConfig, 300, 150)
	assert.Equal(t, 2, p2.PdfaLevel)
	assert.Equal(t, 150, p2.ImageDPI)
	assert.True(t, p2.PreserveVectors)
	assert.Equal(t, types.CompressionNone, p2.Compression)
	assert.True(t, p2.OCREnabled)

	p3 := TierParameters(3, ocrConfig, 300, 150)
	assert.False(t, p3.OCREnabled)
	assert.Nil(t, p3.OCRLanguages)
	assert.Equal(t, p2.Compression, p3.Compression)
	assert.Equal(t, p2.PdfaLevel, p3.PdfaLevel)

	// level 1 is never downgraded
	low := TierParameters(2, types.Configuration{PdfaLevel: 1, OCREnabled: true}, 0, 0)
	assert.Equal(t, 1, low.PdfaLevel)
	assert.Equal(t, DefaultSafeDPI, low.ImageDPI)
}

func TestDelta(t *testing.T) {
	d := Delta(TierParameters(1, ocrConfig, 300, 150), TierParameters(2, ocrConfig, 300, 150))
	assert.Equal(t, map[string]any{"from": 3, "to": 2}, d["pdfa_level"])
	assert.Equal(t, map[string]any{"from": 300, "to": 150}, d["image_dpi"])
	assert.Equal(t, map[string]any{"from": "high", "to": "none"}, d["compression"])
	assert.Equal(t, map[string]any{"from": false, "to": true}, d["preserve_vectors"])
	assert.NotContains(t, d, "ocr_enabled")
}

// ============================================================================
// 決策表
// ============================================================================

func TestRun_DecisionTable(t *testing.T) {
	rendering := engine.Rendering("font table broken", nil)
	tests := []struct {
		name       string
		cfg        types.Configuration
		errs       []error
		wantStatus types.Status
		wantTiers  []int
		wantCat    types.Category
		wantReason string
		wantEvents []types.EventKind
	}{
		{
			name:       "tier 1 success",
			cfg:        ocrConfig,
			wantStatus: types.StatusCompleted,
			wantTiers:  []int{1},
		},
		{
			name:       "rendering at tier 1 recovers at tier 2",
			cfg:        ocrConfig,
			errs:       []error{rendering},
			wantStatus: types.StatusCompleted,
			wantTiers:  []int{1, 2},
			wantEvents: []types.EventKind{types.EventFallbackApplied},
		},
		{
			name:       "rendering at tiers 1 and 2 recovers at tier 3",
			cfg:        ocrConfig,
			errs:       []error{rendering, rendering},
			wantStatus: types.StatusCompleted,
			wantTiers:  []int{1, 2, 3},
			wantEvents: []types.EventKind{types.EventFallbackApplied, types.EventFallbackApplied},
		},
		{
			name:       "fallback exhausted",
			cfg:        ocrConfig,
			errs:       []error{rendering, rendering, rendering},
			wantStatus: types.StatusFailed,
			wantTiers:  []int{1, 2, 3},
			wantCat:    types.CategoryRendering,
			wantReason: types.ReasonFallbackExhausted,
			wantEvents: []types.EventKind{types.EventFallbackApplied, types.EventFallbackApplied},
		},
		{
			name:       "rendering without OCR",
			cfg:        types.Configuration{PdfaLevel: 2},
			errs:       []error{rendering},
			wantStatus: types.StatusFailed,
			wantTiers:  []int{1},
			wantCat:    types.CategoryRendering,
			wantReason: types.ReasonRenderingNoOCR,
		},
		{
			name:       "encrypted at tier 1",
			cfg:        ocrConfig,
			errs:       []error{engine.Encrypted("password required", nil)},
			wantStatus: types.StatusFailed,
			wantTiers:  []int{1},
			wantCat:    types.CategoryEncryption,
			wantReason: types.ReasonFatalInput,
		},
		{
			name:       "corrupt at tier 2",
			cfg:        ocrConfig,
			errs:       []error{rendering, engine.CorruptInput("xref missing", nil)},
			wantStatus: types.StatusFailed,
			wantTiers:  []int{1, 2},
			wantCat:    types.CategoryCorruptInput,
			wantReason: types.ReasonFatalInput,
			wantEvents: []types.EventKind{types.EventFallbackApplied},
		},
		{
			name:       "unclassified engine error is not retried",
			cfg:        ocrConfig,
			errs:       []error{errors.New("segfault")},
			wantStatus: types.StatusFailed,
			wantTiers:  []int{1},
			wantCat:    types.CategoryEngine,
			wantReason: types.ReasonEngine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &scriptedEngine{errs: tt.errs}
			emit := &recordingEmitter{}
			c := New(eng, Config{})

			out := c.Run(context.Background(), testJob(tt.cfg), &flag{}, emit)

			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantTiers, eng.tiers())
			assert.Equal(t, tt.wantEvents, emit.kinds())
			assert.Len(t, out.Attempts, len(tt.wantTiers))
			if tt.wantStatus == types.StatusCompleted {
				require.NotNil(t, out.Result)
				assert.Equal(t, tt.wantTiers[len(tt.wantTiers)-1], out.Result.Tier)
				assert.Nil(t, out.Error)
				return
			}
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.wantCat, out.Error.Category)
			assert.Equal(t, tt.wantReason, out.Error.Reason)
			assert.NotEmpty(t, out.Error.Message)
		})
	}
}

func TestRun_FallbackEventDetails(t *testing.T) {
	eng := &scriptedEngine{errs: []error{engine.Rendering("complex vector art", nil)}}
	emit := &recordingEmitter{}
	counter := &tierCounter{}
	c := New(eng, Config{ImageDPI: 300, SafeDPI: 120, Recorder: counter})

	out := c.Run(context.Background(), testJob(ocrConfig), &flag{}, emit)
	require.Equal(t, types.StatusCompleted, out.Status)
	assert.Equal(t, 2, out.Result.PdfaLevel, "PDF/A level is downgraded by one step")
	assert.Equal(t, []int{2}, counter.tiers)

	require.Len(t, emit.events, 1)
	d := emit.events[0].details
	assert.Equal(t, 2, d["tier"])
	assert.Equal(t, 1, d["from_tier"])
	assert.Equal(t, string(types.CategoryRendering), d["error_category"])
	assert.Contains(t, d["error"], "complex vector art")
	delta := d["delta"].(map[string]any)
	assert.Equal(t, map[string]any{"from": 300, "to": 120}, delta["image_dpi"])
}

func TestRun_NoticesBecomeEvents(t *testing.T) {
	eng := &scriptedEngine{notices: []engine.Notice{
		{Kind: engine.NoticePriorTextLayer, Message: "page 1 already has text"},
		{Kind: engine.NoticeOCRDecision, Message: "skipping text pages", Details: map[string]any{"pages": 3}},
		{Kind: "unknown_notice"},
	}}
	emit := &recordingEmitter{}

	out := New(eng, Config{}).Run(context.Background(), testJob(ocrConfig), &flag{}, emit)

	assert.Equal(t, types.StatusCompleted, out.Status, "a prior text layer is informational")
	assert.Equal(t, []types.EventKind{types.EventPriorTextLayer, types.EventOCRDecision}, emit.kinds())
	assert.Equal(t, string(types.CategoryPriorArtifact), emit.events[0].details["category"])
	assert.Equal(t, 3, emit.events[1].details["pages"])
	assert.Equal(t, 1, emit.events[1].details["tier"])
	require.NotEmpty(t, emit.progress)
	assert.Equal(t, 50.0, emit.progress[0].Percentage)
}

// ============================================================================
// 取消與逾時
// ============================================================================

func TestRun_CancelledBeforeStartNeverCallsEngine(t *testing.T) {
	eng := &scriptedEngine{}
	f := &flag{}
	f.cancel(types.CancelByUser)

	out := New(eng, Config{}).Run(context.Background(), testJob(ocrConfig), f, &recordingEmitter{})

	assert.Equal(t, types.StatusCancelled, out.Status)
	assert.Equal(t, types.CategoryCancellation, out.Error.Category)
	assert.Empty(t, eng.tiers())
}

func TestRun_CancelDuringCallStopsBeforeEscalation(t *testing.T) {
	f := &flag{}
	eng := &scriptedEngine{
		errs:   []error{engine.Rendering("boom", nil)},
		onCall: func(int) { f.cancel(types.CancelByUser) },
	}
	emit := &recordingEmitter{}

	out := New(eng, Config{}).Run(context.Background(), testJob(ocrConfig), f, emit)

	assert.Equal(t, types.StatusCancelled, out.Status)
	assert.Equal(t, []int{1}, eng.tiers())
	assert.Empty(t, emit.kinds(), "no fallback_applied after cancellation")
}

func TestRun_CancelDuringSuccessfulCallWins(t *testing.T) {
	f := &flag{}
	eng := &scriptedEngine{onCall: func(int) { f.cancel(types.CancelByUser) }}

	out := New(eng, Config{}).Run(context.Background(), testJob(ocrConfig), f, &recordingEmitter{})

	assert.Equal(t, types.StatusCancelled, out.Status)
	assert.Nil(t, out.Result)
}

func TestRun_DeadlineCancelBecomesTimedOut(t *testing.T) {
	f := &flag{}
	f.cancel(types.CancelByDeadline)

	out := New(&scriptedEngine{}, Config{}).Run(context.Background(), testJob(ocrConfig), f, &recordingEmitter{})

	assert.Equal(t, types.StatusTimedOut, out.Status)
	assert.Equal(t, types.CategoryTimeout, out.Error.Category)
}

func TestRun_CallTimeout(t *testing.T) {
	blocking := engine.EngineFunc(func(ctx context.Context, _ engine.Input, _ engine.Parameters, _ engine.Reporter) (*engine.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := New(blocking, Config{CallTimeout: 20 * time.Millisecond})

	start := time.Now()
	out := c.Run(context.Background(), testJob(ocrConfig), &flag{}, &recordingEmitter{})

	assert.Equal(t, types.StatusTimedOut, out.Status)
	assert.Equal(t, types.CategoryTimeout, out.Error.Category)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_CallCappedByJobDeadline(t *testing.T) {
	blocking := engine.EngineFunc(func(ctx context.Context, _ engine.Input, _ engine.Parameters, _ engine.Reporter) (*engine.Output, error) {
		<-ctx.Done()
		return nil, errors.New("killed")
	})
	c := New(blocking, Config{CallTimeout: time.Hour})

	job := testJob(ocrConfig)
	job.CreatedAt = time.Now()
	job.Config.Deadline = 30 * time.Millisecond

	out := c.Run(context.Background(), job, &flag{}, &recordingEmitter{})
	assert.Equal(t, types.StatusTimedOut, out.Status)
}

func TestRun_RunContextReleased(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &flag{}
	blocking := engine.EngineFunc(func(ctx context.Context, _ engine.Input, _ engine.Parameters, _ engine.Reporter) (*engine.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.cancel(types.CancelByDeadline)
		cancel()
	}()
	out := New(blocking, Config{}).Run(ctx, testJob(ocrConfig), f, &recordingEmitter{})
	assert.Equal(t, types.StatusTimedOut, out.Status)

	// released without a flag: shutdown
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	out = New(blocking, Config{}).Run(ctx2, testJob(ocrConfig), &flag{}, &recordingEmitter{})
	assert.Equal(t, types.StatusCancelled, out.Status)
	assert.Equal(t, types.ReasonShutdown, out.Error.Reason)
}

func TestRun_EngineIgnoringContextIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	returned := make(chan struct{})
	stubborn := engine.EngineFunc(func(_ context.Context, _ engine.Input, _ engine.Parameters, r engine.Reporter) (*engine.Output, error) {
		defer close(returned)
		<-release
		r.Progress(90, "late", 9, 10)
		r.Notice(engine.Notice{Kind: engine.NoticeOCRDecision, Message: "late"})
		return &engine.Output{Path: "/tmp/late.pdf"}, nil
	})
	emit := &recordingEmitter{}
	c := New(stubborn, Config{CallTimeout: 20 * time.Millisecond})

	start := time.Now()
	out := c.Run(context.Background(), testJob(ocrConfig), &flag{}, emit)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, types.StatusTimedOut, out.Status)
	assert.Equal(t, types.CategoryTimeout, out.Error.Category)
	require.Len(t, out.Attempts, 1)
	assert.ErrorIs(t, out.Attempts[0].Err, context.DeadlineExceeded)

	// the late result and callbacks go nowhere
	close(release)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("engine goroutine did not finish")
	}
	assert.Empty(t, emit.kinds())
	emit.mu.Lock()
	assert.Empty(t, emit.progress)
	emit.mu.Unlock()
}

func TestRun_ReleasedRunContextFreesStubbornCall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stubborn := engine.EngineFunc(func(context.Context, engine.Input, engine.Parameters, engine.Reporter) (*engine.Output, error) {
		<-release
		return nil, errors.New("too late")
	})

	ctx, cancel := context.WithCancel(context.Background())
	f := &flag{}
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.cancel(types.CancelByDeadline)
		cancel()
	}()

	done := make(chan Outcome, 1)
	go func() { done <- New(stubborn, Config{}).Run(ctx, testJob(ocrConfig), f, &recordingEmitter{}) }()
	select {
	case out := <-done:
		assert.Equal(t, types.StatusTimedOut, out.Status)
	case <-time.After(time.Second):
		t.Fatal("Run stayed blocked in an engine that ignores ctx")
	}
}

func TestRun_EnginePanicBecomesEngineError(t *testing.T) {
	panicky := engine.EngineFunc(func(context.Context, engine.Input, engine.Parameters, engine.Reporter) (*engine.Output, error) {
		panic("segfault in renderer")
	})
	out := New(panicky, Config{}).Run(context.Background(), testJob(ocrConfig), &flag{}, &recordingEmitter{})

	assert.Equal(t, types.StatusFailed, out.Status)
	assert.Equal(t, types.CategoryEngine, out.Error.Category)
	assert.Contains(t, out.Error.Message, "segfault in renderer")
}
