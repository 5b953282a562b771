package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/docflow/internal/broadcast"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// Wire shapes shared by HTTP, WebSocket and gRPC.

var errInputNotAllowed = errors.New("input path is outside the allowed roots")

// ConfigPayload is the client form of types.Configuration; the deadline is a
// Go duration string such as "10m".
type ConfigPayload struct {
	PdfaLevel    int      `json:"pdfa_level"`
	OCREnabled   bool     `json:"ocr_enabled"`
	OCRLanguages []string `json:"ocr_languages,omitempty"`
	Compression  string   `json:"compression,omitempty"`
	Deadline     string   `json:"deadline,omitempty"`
}

// Configuration converts p. An empty deadline selects the registry default.
func (p ConfigPayload) Configuration() (types.Configuration, error) {
	cfg := types.Configuration{
		PdfaLevel:    p.PdfaLevel,
		OCREnabled:   p.OCREnabled,
		OCRLanguages: p.OCRLanguages,
		Compression:  types.CompressionProfile(p.Compression),
	}
	if p.Deadline != "" {
		d, err := time.ParseDuration(p.Deadline)
		if err != nil {
			return cfg, fmt.Errorf("invalid deadline %q: %w", p.Deadline, err)
		}
		cfg.Deadline = d
	}
	return cfg, nil
}

// SubmitRequest references a document already on the server.
type SubmitRequest struct {
	Config   ConfigPayload `json:"config"`
	InputRef string        `json:"inputRef"`
	Filename string        `json:"filename,omitempty"`
}

// StatusView answers the polling endpoint.
type StatusView struct {
	JobID      types.JobID            `json:"jobId"`
	Status     types.Status           `json:"status"`
	Percentage float64                `json:"percentage"`
	Step       string                 `json:"step,omitempty"`
	ResultRef  string                 `json:"resultRef,omitempty"`
	Error      *types.ErrorDescriptor `json:"error,omitempty"`
	Degraded   bool                   `json:"observabilityDegraded,omitempty"`
}

func statusView(job types.Job) StatusView {
	v := StatusView{
		JobID:      job.ID,
		Status:     job.Status,
		Percentage: job.Progress.Percentage,
		Step:       job.Progress.Step,
		Error:      job.Error,
		Degraded:   job.ObservabilityDegraded,
	}
	if job.Result != nil {
		v.ResultRef = job.Result.OutputPath
	}
	return v
}

// ============================================================================
// Live channel messages
// ============================================================================

// Message types of the live channel.
const (
	MsgSubmit      = "submit"
	MsgCancel      = "cancel"
	MsgPing        = "ping"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"

	MsgJobAccepted = "job_accepted"
	MsgProgress    = "progress"
	MsgJobEvent    = "job_event"
	MsgCompleted   = "completed"
	MsgError       = "error"
	MsgCancelled   = "cancelled"
	MsgPong        = "pong"
)

// Envelope wraps every live channel message.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type jobRef struct {
	JobID types.JobID `json:"jobId"`
}

type progressPayload struct {
	JobID      types.JobID `json:"jobId"`
	Percentage float64     `json:"percentage"`
	Step       string      `json:"step,omitempty"`
	Current    int         `json:"current"`
	Total      int         `json:"total"`
}

type eventPayload struct {
	JobID     types.JobID     `json:"jobId"`
	Seq       uint64          `json:"seq"`
	Kind      types.EventKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Message   string          `json:"message"`
	Details   map[string]any  `json:"details,omitempty"`
}

type completedPayload struct {
	JobID     types.JobID `json:"jobId"`
	ResultRef string      `json:"resultRef"`
}

type errorPayload struct {
	JobID    types.JobID    `json:"jobId,omitempty"`
	Message  string         `json:"message"`
	Category types.Category `json:"category,omitempty"`
}

type subscribePayload struct {
	JobID types.JobID `json:"jobId"`
	Since uint64      `json:"since"`
}

// messagesFor maps a hub notification to live channel messages. Every event
// becomes a job_event; lifecycle events add the matching summary message.
func messagesFor(n broadcast.Notification) []Envelope {
	switch n.Kind {
	case broadcast.KindProgress:
		if n.Progress == nil {
			return nil
		}
		p := n.Progress
		return []Envelope{{Type: MsgProgress, Payload: progressPayload{
			JobID: n.JobID, Percentage: p.Percentage, Step: p.Step, Current: p.Current, Total: p.Total,
		}}}

	case broadcast.KindEvent:
		if n.Event == nil {
			return nil
		}
		ev := n.Event
		out := []Envelope{{Type: MsgJobEvent, Payload: eventPayload{
			JobID: ev.JobID, Seq: ev.Seq, Kind: ev.Kind, Timestamp: ev.Timestamp, Message: ev.Message, Details: ev.Details,
		}}}
		switch ev.Kind {
		case types.EventJobAccepted:
			out = append(out, Envelope{Type: MsgJobAccepted, Payload: jobRef{JobID: ev.JobID}})
		case types.EventJobCompleted:
			ref, _ := ev.Details["result_ref"].(string)
			out = append(out, Envelope{Type: MsgCompleted, Payload: completedPayload{JobID: ev.JobID, ResultRef: ref}})
		case types.EventJobFailed, types.EventJobTimedOut:
			out = append(out, Envelope{Type: MsgError, Payload: errorPayload{
				JobID: ev.JobID, Message: detailString(ev.Details, "error", ev.Message), Category: types.Category(detailString(ev.Details, "category", "")),
			}})
		case types.EventJobCancelled:
			out = append(out, Envelope{Type: MsgCancelled, Payload: jobRef{JobID: ev.JobID}})
		}
		return out
	}
	return nil
}

func detailString(details map[string]any, key, fallback string) string {
	if s, ok := details[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// ============================================================================
// Input resolution
// ============================================================================

// resolveInput checks that ref names a regular file under one of roots.
func resolveInput(ref, filename string, roots []string) (types.InputDescriptor, error) {
	if ref == "" {
		return types.InputDescriptor{}, errors.New("inputRef is required")
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return types.InputDescriptor{}, err
	}
	if !underAny(abs, roots) {
		return types.InputDescriptor{}, errInputNotAllowed
	}
	info, err := os.Stat(abs)
	if err != nil {
		return types.InputDescriptor{}, fmt.Errorf("input not readable: %w", err)
	}
	if !info.Mode().IsRegular() {
		return types.InputDescriptor{}, fmt.Errorf("input %s is not a regular file", ref)
	}
	if filename == "" {
		filename = filepath.Base(abs)
	}
	return types.InputDescriptor{Filename: filename, Path: abs, Size: info.Size()}, nil
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		r, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if strings.HasPrefix(path, r+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
