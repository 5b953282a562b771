// ============================================================================
// docflow Conversion Engine Adapter
// ============================================================================
//
// Package: internal/engine
// File: engine.go
// Purpose: Contract between the fallback controller and whatever actually
//          transforms documents (OCRmyPDF, pdfcpu, a test double).
//
// Failure classes:
//   - ErrRendering     retryable by tier escalation
//   - ErrEncrypted     fatal, never retried
//   - ErrCorruptInput  fatal, never retried
//   Anything else is treated as an unclassified engine error.
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/docflow/pkg/types"
)

var (
	// ErrRendering marks failures caused by the interaction between parameters
	// and document content (complex graphics, broken fonts).
	ErrRendering = errors.New("engine: rendering failure")
	// ErrEncrypted marks inputs protected by encryption.
	ErrEncrypted = errors.New("engine: input is encrypted")
	// ErrCorruptInput marks inputs the engine cannot read at all.
	ErrCorruptInput = errors.New("engine: input is corrupt or unreadable")
)

// Error carries engine output alongside a failure class.
type Error struct {
	Class  error  // one of ErrRendering, ErrEncrypted, ErrCorruptInput
	Detail string // engine diagnostic, e.g. stderr tail
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Class.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the failure class so callers can use errors.Is(err, ErrRendering).
func (e *Error) Is(target error) bool {
	return target == e.Class
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Rendering wraps err as a rendering failure.
func Rendering(detail string, err error) error {
	return &Error{Class: ErrRendering, Detail: detail, Err: err}
}

// Encrypted wraps err as an encryption failure.
func Encrypted(detail string, err error) error {
	return &Error{Class: ErrEncrypted, Detail: detail, Err: err}
}

// CorruptInput wraps err as a corrupt input failure.
func CorruptInput(detail string, err error) error {
	return &Error{Class: ErrCorruptInput, Detail: detail, Err: err}
}

// Classify maps an engine error onto the failure taxonomy.
func Classify(err error) types.Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRendering):
		return types.CategoryRendering
	case errors.Is(err, ErrEncrypted):
		return types.CategoryEncryption
	case errors.Is(err, ErrCorruptInput):
		return types.CategoryCorruptInput
	case errors.Is(err, context.DeadlineExceeded):
		return types.CategoryTimeout
	case errors.Is(err, context.Canceled):
		return types.CategoryCancellation
	default:
		return types.CategoryEngine
	}
}

// Input is what the engine reads.
type Input struct {
	JobID    types.JobID
	Path     string
	Filename string
	Size     int64
}

// Parameters is the concrete parameter set of one tier.
type Parameters struct {
	Tier            int                      `json:"tier"`
	PdfaLevel       int                      `json:"pdfa_level"`
	OCREnabled      bool                     `json:"ocr_enabled"`
	OCRLanguages    []string                 `json:"ocr_languages,omitempty"`
	Compression     types.CompressionProfile `json:"compression"`
	ImageDPI        int                      `json:"image_dpi"`
	PreserveVectors bool                     `json:"preserve_vectors"`
}

func (p Parameters) String() string {
	return fmt.Sprintf("tier=%d pdfa=%d ocr=%t dpi=%d compression=%s vectors=%t",
		p.Tier, p.PdfaLevel, p.OCREnabled, p.ImageDPI, p.Compression, p.PreserveVectors)
}

// Output describes what a successful conversion produced.
type Output struct {
	Path       string
	Filename   string
	Size       int64
	PdfaLevel  int
	OCRApplied bool
}

// NoticeKind is an informational condition raised by the engine.
type NoticeKind string

const (
	NoticeOCRDecision      NoticeKind = "ocr_decision"
	NoticeFormatConversion NoticeKind = "format_conversion"
	NoticePriorTextLayer   NoticeKind = "prior_text_layer"
)

// Notice is informational and never an error.
type Notice struct {
	Kind    NoticeKind
	Message string
	Details map[string]any
}

// Reporter receives progress and notices while Convert runs. Implementations
// must be safe to call from any goroutine.
type Reporter interface {
	Progress(percentage float64, step string, current, total int)
	Notice(n Notice)
}

// Engine performs the actual document transformation.
type Engine interface {
	Convert(ctx context.Context, in Input, params Parameters, report Reporter) (*Output, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, in Input, params Parameters, report Reporter) (*Output, error)

func (f EngineFunc) Convert(ctx context.Context, in Input, params Parameters, report Reporter) (*Output, error) {
	return f(ctx, in, params, report)
}

// DiscardReporter ignores everything.
type DiscardReporter struct{}

func (DiscardReporter) Progress(float64, string, int, int) {}
func (DiscardReporter) Notice(Notice)                     {}
