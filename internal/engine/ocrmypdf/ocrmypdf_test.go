package ocrmypdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMinimalPDF writes a one-page PDF. With text non-empty the page
// draws it with Helvetica; otherwise the page only strokes a line.
func writeMinimalPDF(t *testing.T, path, text string) {
	t.Helper()
	content := "0 0 m 100 100 l S"
	if text != "" {
		content = fmt.Sprintf("BT /F1 24 Tf 72 720 Td (%s) Tj ET", text)
	}
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

type recordingReporter struct {
	mu       sync.Mutex
	notices  []engine.Notice
	progress []float64
}

func (r *recordingReporter) Progress(pct float64, _ string, _, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, pct)
}

func (r *recordingReporter) Notice(n engine.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingReporter) kinds() []engine.NoticeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []engine.NoticeKind
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

// fakeRunner records invocations and writes the output file on success.
type fakeRunner struct {
	mu    sync.Mutex
	codes []int
	calls [][]string
}

func (f *fakeRunner) run(_ context.Context, _ string, args ...string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.calls)
	f.calls = append(f.calls, args)
	code := 0
	if call < len(f.codes) {
		code = f.codes[call]
	}
	if code == 0 {
		if err := os.WriteFile(args[len(args)-1], []byte("%PDF-1.7 converted"), 0644); err != nil {
			return -1, "", err
		}
	}
	return code, "stderr output", nil
}

func TestArguments(t *testing.T) {
	tests := []struct {
		name     string
		params   engine.Parameters
		skipText bool
		want     []string
		absent   []string
	}{
		{
			name:   "tier 1 with OCR",
			params: engine.Parameters{Tier: 1, PdfaLevel: 3, OCREnabled: true, OCRLanguages: []string{"eng", "deu"}, Compression: types.CompressionHigh, ImageDPI: 300},
			want:   []string{"--output-type pdfa-3", "--optimize 3", "--image-dpi 300", "-l eng+deu"},
			absent: []string{"--skip-text", "--pdf-renderer", "--tesseract-timeout"},
		},
		{
			name:     "tier 2 safe mode skipping text pages",
			params:   engine.Parameters{Tier: 2, PdfaLevel: 2, OCREnabled: true, OCRLanguages: []string{"eng"}, Compression: types.CompressionNone, ImageDPI: 150, PreserveVectors: true},
			skipText: true,
			want:     []string{"--output-type pdfa-2", "--optimize 0", "--image-dpi 150", "--pdf-renderer sandwich", "--skip-text"},
		},
		{
			name:   "tier 3 without OCR",
			params: engine.Parameters{Tier: 3, PdfaLevel: 2, Compression: types.CompressionNone, ImageDPI: 150, PreserveVectors: true},
			want:   []string{"--tesseract-timeout 0", "--skip-text"},
			absent: []string{"-l "},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := strings.Join(Arguments(tt.params, tt.skipText, 0), " ")
			for _, w := range tt.want {
				assert.Contains(t, line, w)
			}
			for _, a := range tt.absent {
				assert.NotContains(t, line, a)
			}
		})
	}
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{exitInputFile, engine.ErrCorruptInput},
		{exitEncryptedPDF, engine.ErrEncrypted},
		{exitInvalidOutput, engine.ErrRendering},
		{exitChildProcess, engine.ErrRendering},
		{exitPdfaConversion, engine.ErrRendering},
		{exitOther, engine.ErrRendering},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("exit %d", tt.code), func(t *testing.T) {
			err := classifyExit(tt.code, "trace")
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "trace")
		})
	}

	assert.NoError(t, classifyExit(exitOK, ""))
	err := classifyExit(exitMissingDep, "tesseract not found")
	require.Error(t, err)
	assert.Equal(t, types.CategoryEngine, engine.Classify(err))
}

func TestPreflight(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.pdf")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not a pdf"), 0644))
	_, err := Preflight(garbage)
	assert.ErrorIs(t, err, engine.ErrCorruptInput)

	_, err = Preflight(filepath.Join(dir, "missing.pdf"))
	assert.ErrorIs(t, err, engine.ErrCorruptInput)

	plain := filepath.Join(dir, "plain.pdf")
	writeMinimalPDF(t, plain, "")
	info, err := Preflight(plain)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Pages)
	assert.False(t, info.HasTextLayer)

	text := filepath.Join(dir, "text.pdf")
	writeMinimalPDF(t, text, "Hello")
	info, err = Preflight(text)
	require.NoError(t, err)
	assert.True(t, info.HasTextLayer)
}

func TestConvert_RunsOCRmyPDF(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "scan.pdf")
	writeMinimalPDF(t, in, "")

	runner := &fakeRunner{}
	e := New(Config{Binary: "ocrmypdf", WorkDir: filepath.Join(dir, "work"), Runner: runner.run})
	rep := &recordingReporter{}

	out, err := e.Convert(context.Background(),
		engine.Input{JobID: "job-1", Path: in, Filename: "scan.pdf"},
		engine.Parameters{Tier: 1, PdfaLevel: 2, OCREnabled: true, OCRLanguages: []string{"eng"}, ImageDPI: 300},
		rep)
	require.NoError(t, err)

	assert.Equal(t, "scan_pdfa.pdf", out.Filename)
	assert.Equal(t, filepath.Join(dir, "work", "job-1", "scan_tier1.pdf"), out.Path)
	assert.True(t, out.OCRApplied)
	assert.Equal(t, 2, out.PdfaLevel)
	assert.Positive(t, out.Size)
	assert.Equal(t, []engine.NoticeKind{engine.NoticeOCRDecision}, rep.kinds())
	assert.Equal(t, 100.0, rep.progress[len(rep.progress)-1])
	require.Len(t, runner.calls, 1)
}

func TestConvert_PriorOCRRetriesWithSkipText(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "scan.pdf")
	writeMinimalPDF(t, in, "")

	runner := &fakeRunner{codes: []int{exitAlreadyDoneOCR, exitOK}}
	e := New(Config{Binary: "ocrmypdf", WorkDir: dir, Runner: runner.run})
	rep := &recordingReporter{}

	_, err := e.Convert(context.Background(),
		engine.Input{JobID: "job-1", Path: in, Filename: "scan.pdf"},
		engine.Parameters{Tier: 1, PdfaLevel: 1, OCREnabled: true, ImageDPI: 300},
		rep)
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	assert.NotContains(t, runner.calls[0], "--skip-text")
	assert.Contains(t, runner.calls[1], "--skip-text")
	assert.Equal(t, []engine.NoticeKind{engine.NoticePriorTextLayer, engine.NoticeOCRDecision}, rep.kinds())
}

func TestConvert_ExitCodeClassified(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "scan.pdf")
	writeMinimalPDF(t, in, "")

	runner := &fakeRunner{codes: []int{exitChildProcess}}
	e := New(Config{Binary: "ocrmypdf", WorkDir: dir, Runner: runner.run})

	_, err := e.Convert(context.Background(),
		engine.Input{JobID: "job-1", Path: in, Filename: "scan.pdf"},
		engine.Parameters{Tier: 1, PdfaLevel: 1, OCREnabled: true, ImageDPI: 300},
		nil)
	assert.ErrorIs(t, err, engine.ErrRendering)
}

func TestConvert_ImageInputNotice(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(in, []byte{0xff, 0xd8, 0xff}, 0644))

	runner := &fakeRunner{}
	e := New(Config{Binary: "ocrmypdf", WorkDir: dir, Runner: runner.run})
	rep := &recordingReporter{}

	_, err := e.Convert(context.Background(),
		engine.Input{JobID: "job-1", Path: in, Filename: "photo.jpg"},
		engine.Parameters{Tier: 1, PdfaLevel: 2, OCREnabled: true, ImageDPI: 300},
		rep)
	require.NoError(t, err)
	assert.Equal(t, engine.NoticeFormatConversion, rep.kinds()[0])
}

func TestConvert_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "scan.pdf")
	writeMinimalPDF(t, in, "")

	ctx, cancel := context.WithCancel(context.Background())
	runner := func(context.Context, string, ...string) (int, string, error) {
		cancel()
		return -1, "", errors.New("signal: killed")
	}
	e := New(Config{Binary: "ocrmypdf", WorkDir: dir, Runner: runner})

	_, err := e.Convert(ctx,
		engine.Input{JobID: "job-1", Path: in, Filename: "scan.pdf"},
		engine.Parameters{Tier: 1, PdfaLevel: 1, ImageDPI: 300},
		nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConvert_WithoutBinaryUsesPdfcpu(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "doc.pdf")
	writeMinimalPDF(t, in, "")

	e := New(Config{WorkDir: dir})
	rep := &recordingReporter{}

	out, err := e.Convert(context.Background(),
		engine.Input{JobID: "job-1", Path: in, Filename: "doc.pdf"},
		engine.Parameters{Tier: 1, PdfaLevel: 2, OCREnabled: true, ImageDPI: 300},
		rep)
	require.NoError(t, err)
	assert.False(t, out.OCRApplied)
	assert.Contains(t, rep.kinds(), engine.NoticeOCRDecision)
	_, err = os.Stat(out.Path)
	assert.NoError(t, err)
}
