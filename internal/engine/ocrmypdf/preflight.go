package ocrmypdf

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Info is what preflight learned about an input PDF.
type Info struct {
	Pages        int
	Encrypted    bool
	HasTextLayer bool
}

// Preflight rejects encrypted and unreadable inputs before the engine runs.
func Preflight(path string) (Info, error) {
	var info Info

	head, err := readHead(path, 1024)
	if err != nil {
		return info, engine.CorruptInput("cannot read input", err)
	}
	if !bytes.Contains(head, []byte("%PDF-")) {
		return info, engine.CorruptInput("missing PDF header", nil)
	}

	ctx, err := api.ReadContextFile(path)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "password") || strings.Contains(msg, "encrypt") {
			return info, engine.Encrypted("pdfcpu", err)
		}
		return info, engine.CorruptInput("pdfcpu could not parse input", err)
	}
	info.Pages = ctx.PageCount
	if ctx.Encrypt != nil {
		info.Encrypted = true
		return info, engine.Encrypted("document is password protected", nil)
	}

	info.HasTextLayer = HasTextLayer(path, textProbeMaxPages)
	return info, nil
}

// HasTextLayer reports whether any of the first maxPages pages carries
// extractable text.
func HasTextLayer(path string, maxPages int) (found bool) {
	defer func() {
		// the text extractor panics on some malformed fonts
		if recover() != nil {
			found = false
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	total := r.NumPage()
	if maxPages > 0 && total > maxPages {
		total = maxPages
	}
	for i := 1; i <= total; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			return true
		}
	}
	return false
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return buf[:read], nil
}
