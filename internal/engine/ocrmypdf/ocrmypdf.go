// -----------------------------------------------------------------------
// OCRmyPDF engine - PDF/A conversion with optional OCR
// Preflight uses pdfcpu, text layer detection uses ledongthuc/pdf,
// conversion shells out to ocrmypdf (or pdfcpu optimize without it).
// -----------------------------------------------------------------------

package ocrmypdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ocrmypdf exit codes
const (
	exitOK              = 0
	exitBadArgs         = 1
	exitInputFile       = 2
	exitMissingDep      = 3
	exitInvalidOutput   = 4
	exitFileAccess      = 5
	exitAlreadyDoneOCR  = 6
	exitChildProcess    = 7
	exitEncryptedPDF    = 8
	exitInvalidConfig   = 9
	exitPdfaConversion  = 10
	exitOther           = 15
	textProbeMaxPages   = 3
	stderrTailMaxLength = 512
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true,
}

// Runner executes the conversion command and returns its exit code.
type Runner func(ctx context.Context, name string, args ...string) (exitCode int, stderr string, err error)

// Config configures the adapter.
type Config struct {
	Binary  string // path of ocrmypdf; empty selects the pdfcpu-only path
	WorkDir string // outputs go to WorkDir/<jobID>/
	Jobs    int    // --jobs passed to ocrmypdf
	Logger  *slog.Logger
	Runner  Runner // defaults to os/exec
}

// Engine implements engine.Engine.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	run    Runner
}

var _ engine.Engine = (*Engine)(nil)

// New creates the adapter.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "docflow")
	}
	run := cfg.Runner
	if run == nil {
		run = execRunner
	}
	return &Engine{cfg: cfg, logger: logger, run: run}
}

// Convert runs preflight checks and then the conversion for one tier.
func (e *Engine) Convert(ctx context.Context, in engine.Input, params engine.Parameters, report engine.Reporter) (*engine.Output, error) {
	if report == nil {
		report = engine.DiscardReporter{}
	}
	ext := strings.ToLower(filepath.Ext(in.Filename))
	isImage := imageExtensions[ext]

	report.Progress(5, "preflight", 0, 0)
	pages := 0
	hasText := false
	if isImage {
		report.Notice(engine.Notice{
			Kind:    engine.NoticeFormatConversion,
			Message: fmt.Sprintf("converting %s image to PDF", strings.TrimPrefix(ext, ".")),
			Details: map[string]any{"from": strings.TrimPrefix(ext, "."), "to": "pdf"},
		})
	} else {
		info, err := Preflight(in.Path)
		if err != nil {
			return nil, err
		}
		pages = info.Pages
		hasText = info.HasTextLayer
	}
	report.Progress(10, "analyze", 0, pages)

	if hasText && params.OCREnabled {
		report.Notice(engine.Notice{
			Kind:    engine.NoticePriorTextLayer,
			Message: "document already contains a text layer, OCR skips those pages",
		})
	}
	if !params.OCREnabled {
		report.Notice(engine.Notice{
			Kind:    engine.NoticeOCRDecision,
			Message: "OCR disabled for this attempt",
			Details: map[string]any{"ocr": false},
		})
	}

	outDir := filepath.Join(e.cfg.WorkDir, string(in.JobID))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(in.Filename), filepath.Ext(in.Filename))
	outPath := filepath.Join(outDir, fmt.Sprintf("%s_tier%d.pdf", base, params.Tier))

	var err error
	ocrApplied := false
	if e.cfg.Binary == "" {
		err = e.optimize(ctx, in, params, outPath, isImage, report)
	} else {
		ocrApplied, err = e.ocrmypdf(ctx, in, params, outPath, hasText, pages, report)
	}
	if err != nil {
		os.Remove(outPath)
		return nil, err
	}

	stat, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("output missing after conversion: %w", err)
	}
	report.Progress(100, "done", pages, pages)
	return &engine.Output{
		Path:       outPath,
		Filename:   base + "_pdfa.pdf",
		Size:       stat.Size(),
		PdfaLevel:  params.PdfaLevel,
		OCRApplied: ocrApplied,
	}, nil
}

func (e *Engine) ocrmypdf(ctx context.Context, in engine.Input, params engine.Parameters, outPath string, skipText bool, pages int, report engine.Reporter) (bool, error) {
	args := Arguments(params, skipText, e.cfg.Jobs)
	args = append(args, in.Path, outPath)

	report.Progress(20, "convert", 0, pages)
	start := time.Now()
	code, stderr, err := e.run(ctx, e.cfg.Binary, args...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		return false, fmt.Errorf("failed to run %s: %w", e.cfg.Binary, err)
	}

	if code == exitAlreadyDoneOCR && !skipText {
		// text found that preflight missed: note it and redo with --skip-text
		report.Notice(engine.Notice{
			Kind:    engine.NoticePriorTextLayer,
			Message: "engine found an existing OCR layer, retrying with text pages skipped",
		})
		return e.ocrmypdf(ctx, in, params, outPath, true, pages, report)
	}

	e.logger.Debug("ocrmypdf finished", "jobID", in.JobID, "tier", params.Tier, "exit", code, "elapsed", time.Since(start))
	if err := classifyExit(code, stderr); err != nil {
		return false, err
	}
	if params.OCREnabled {
		report.Notice(engine.Notice{
			Kind:    engine.NoticeOCRDecision,
			Message: "OCR applied",
			Details: map[string]any{"ocr": true, "languages": strings.Join(params.OCRLanguages, "+"), "skip_text": skipText},
		})
	}
	return params.OCREnabled, nil
}

// optimize is the pdfcpu-only path used when no ocrmypdf binary is configured.
func (e *Engine) optimize(ctx context.Context, in engine.Input, params engine.Parameters, outPath string, isImage bool, report engine.Reporter) error {
	if isImage {
		return engine.Rendering("image input requires ocrmypdf", nil)
	}
	if params.OCREnabled {
		report.Notice(engine.Notice{
			Kind:    engine.NoticeOCRDecision,
			Message: "OCR engine not configured, text recognition skipped",
			Details: map[string]any{"ocr": false, "reason": "no_binary"},
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	report.Progress(20, "optimize", 0, 0)
	conf := model.NewDefaultConfiguration()
	if err := api.OptimizeFile(in.Path, outPath, conf); err != nil {
		return engine.Rendering("pdfcpu optimize failed", err)
	}
	return nil
}

// Arguments builds the ocrmypdf command line for params (without input/output).
func Arguments(params engine.Parameters, skipText bool, jobs int) []string {
	args := []string{
		"--output-type", fmt.Sprintf("pdfa-%d", params.PdfaLevel),
		"--optimize", optimizeLevel(params.Compression),
		"--image-dpi", strconv.Itoa(params.ImageDPI),
	}
	if jobs > 0 {
		args = append(args, "--jobs", strconv.Itoa(jobs))
	}
	if params.PreserveVectors {
		args = append(args, "--pdf-renderer", "sandwich")
	}
	if params.OCREnabled {
		if len(params.OCRLanguages) > 0 {
			args = append(args, "-l", strings.Join(params.OCRLanguages, "+"))
		}
		if skipText {
			args = append(args, "--skip-text")
		}
	} else {
		// no OCR: PDF/A conversion only
		args = append(args, "--tesseract-timeout", "0", "--skip-text")
	}
	return args
}

func optimizeLevel(c types.CompressionProfile) string {
	switch c {
	case types.CompressionNone:
		return "0"
	case types.CompressionHigh:
		return "3"
	default:
		return "1"
	}
}

func classifyExit(code int, stderr string) error {
	detail := fmt.Sprintf("ocrmypdf exit %d", code)
	if tail := tailOf(stderr); tail != "" {
		detail += ": " + tail
	}
	switch code {
	case exitOK:
		return nil
	case exitInputFile:
		return engine.CorruptInput(detail, nil)
	case exitEncryptedPDF:
		return engine.Encrypted(detail, nil)
	case exitInvalidOutput, exitChildProcess, exitPdfaConversion, exitOther:
		return engine.Rendering(detail, nil)
	case exitBadArgs, exitMissingDep, exitFileAccess, exitInvalidConfig:
		return fmt.Errorf("engine misconfigured: %s", detail)
	default:
		return errors.New(detail)
	}
}

func tailOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailMaxLength {
		s = s[len(s)-stderrTailMaxLength:]
	}
	return s
}

func execRunner(ctx context.Context, name string, args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), stderr.String(), nil
	}
	if err != nil {
		return -1, stderr.String(), err
	}
	return 0, stderr.String(), nil
}
