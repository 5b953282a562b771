// Package types defines the core domain model shared by every docflow component.
package types

import (
	"time"
)

// JobID is the opaque unique identifier of a job.
type JobID string

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"     // accepted, waiting for a free worker
	StatusProcessing Status = "processing" // owned by a worker, engine running
	StatusCompleted  Status = "completed"  // conversion succeeded
	StatusFailed     Status = "failed"     // conversion failed permanently
	StatusCancelled  Status = "cancelled"  // stopped on request
	StatusTimedOut   Status = "timed_out"  // deadline exceeded
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// CompressionProfile selects how aggressively output images are compressed.
type CompressionProfile string

const (
	CompressionNone     CompressionProfile = "none"
	CompressionStandard CompressionProfile = "standard"
	CompressionHigh     CompressionProfile = "high"
)

// MinPdfaLevel and MaxPdfaLevel bound the PDF/A conformance level.
const (
	MinPdfaLevel = 1
	MaxPdfaLevel = 3
)

// Configuration is the immutable set of conversion parameters requested at submit time.
type Configuration struct {
	PdfaLevel    int                `json:"pdfa_level" yaml:"pdfa_level" validate:"min=1,max=3"`
	OCREnabled   bool               `json:"ocr_enabled" yaml:"ocr_enabled"`
	OCRLanguages []string           `json:"ocr_languages,omitempty" yaml:"ocr_languages" validate:"omitempty,dive,required,ocrlang"`
	Compression  CompressionProfile `json:"compression" yaml:"compression" validate:"omitempty,oneof=none standard high"`
	Deadline     time.Duration      `json:"deadline" yaml:"deadline" validate:"gte=0"`
}

// InputDescriptor describes the document a job converts.
type InputDescriptor struct {
	Filename    string `json:"filename" validate:"required"`
	Path        string `json:"path" validate:"required"`
	Size        int64  `json:"size" validate:"gte=0"`
	ContentKind string `json:"content_kind,omitempty"`
}

// Progress is the latest progress report of a running job.
type Progress struct {
	Percentage float64 `json:"percentage"`
	Step       string  `json:"step,omitempty"`
	Current    int     `json:"current,omitempty"`
	Total      int     `json:"total,omitempty"`
}

// Result describes the output of a completed job.
type Result struct {
	OutputPath     string `json:"output_path"`
	OutputFilename string `json:"output_filename"`
	OutputSize     int64  `json:"output_size"`
	Tier           int    `json:"tier"`       // fallback tier that produced the output
	PdfaLevel      int    `json:"pdfa_level"` // effective conformance level
	OCRApplied     bool   `json:"ocr_applied"`
}

// Category classifies failures and terminal conditions.
type Category string

const (
	CategoryRendering     Category = "RenderingFailure"
	CategoryEncryption    Category = "EncryptionError"
	CategoryCorruptInput  Category = "CorruptInputError"
	CategoryPriorArtifact Category = "PriorArtifactFound"
	CategoryTimeout       Category = "TimeoutExceeded"
	CategoryCancellation  Category = "CancellationRequested"
	CategoryPersistence   Category = "PersistenceWriteFailure"
	CategoryBroadcast     Category = "BroadcastDeliveryFailure"
	CategoryEngine        Category = "EngineError"
)

// Reason codes refine a Category on terminal failures.
const (
	ReasonFallbackExhausted = "fallback_exhausted"
	ReasonRenderingNoOCR    = "rendering_no_ocr"
	ReasonFatalInput        = "fatal_input"
	ReasonDeadline          = "deadline_exceeded"
	ReasonUserCancel        = "user_cancel"
	ReasonShutdown          = "shutdown"
	ReasonEngine            = "engine_error"
)

// ErrorDescriptor is the structured terminal error of a job.
type ErrorDescriptor struct {
	Category Category `json:"category"`
	Reason   string   `json:"reason,omitempty"`
	Message  string   `json:"message"`
}

// CancelReason records who asked a job to stop.
type CancelReason string

const (
	CancelByUser     CancelReason = "user"
	CancelByDeadline CancelReason = "deadline"
)

// EventRef points at an event in the job's log.
type EventRef struct {
	Seq  uint64    `json:"seq"`
	Kind EventKind `json:"kind"`
}

// Job is one submitted conversion request and its lifecycle state.
type Job struct {
	// 識別
	ID    JobID  `json:"id"`
	Owner string `json:"owner"`

	Input  InputDescriptor `json:"input"`
	Config Configuration   `json:"config"`

	// 狀態追蹤
	Status   Status           `json:"status"`
	Progress Progress         `json:"progress"`
	Result   *Result          `json:"result,omitempty"`
	Error    *ErrorDescriptor `json:"error,omitempty"`
	Events   []EventRef       `json:"events"`

	CancelRequested       bool         `json:"cancel_requested,omitempty"`
	CancelReason          CancelReason `json:"cancel_reason,omitempty"`
	ObservabilityDegraded bool         `json:"observability_degraded,omitempty"`

	// 時間管理
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	LastProgressAt time.Time `json:"last_progress_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the registry.
func (j Job) Clone() Job {
	out := j
	if j.Config.OCRLanguages != nil {
		out.Config.OCRLanguages = append([]string(nil), j.Config.OCRLanguages...)
	}
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	out.Events = append([]EventRef(nil), j.Events...)
	return out
}

// LastSeq returns the sequence number of the newest event recorded on the job.
func (j Job) LastSeq() uint64 {
	if len(j.Events) == 0 {
		return 0
	}
	return j.Events[len(j.Events)-1].Seq
}
