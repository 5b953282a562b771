package fallback

import (
	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ChuLiYu/docflow/pkg/types"
)

const (
	DefaultImageDPI = 300
	DefaultSafeDPI  = 150
	MaxTier         = 3
)

// TierParameters derives the parameter set of a tier from the requested
// configuration.
//
//	tier 1: as requested
//	tier 2: safe mode, lower DPI, vectors preserved, no compression, PDF/A one level down
//	tier 3: tier 2 without OCR
func TierParameters(tier int, cfg types.Configuration, imageDPI, safeDPI int) engine.Parameters {
	if imageDPI <= 0 {
		imageDPI = DefaultImageDPI
	}
	if safeDPI <= 0 {
		safeDPI = DefaultSafeDPI
	}

	p := engine.Parameters{
		Tier:         1,
		PdfaLevel:    cfg.PdfaLevel,
		OCREnabled:   cfg.OCREnabled,
		OCRLanguages: append([]string(nil), cfg.OCRLanguages...),
		Compression:  cfg.Compression,
		ImageDPI:     imageDPI,
	}
	if p.PdfaLevel < types.MinPdfaLevel {
		p.PdfaLevel = types.MinPdfaLevel
	}
	if p.Compression == "" {
		p.Compression = types.CompressionStandard
	}
	if tier <= 1 {
		return p
	}

	p.Tier = 2
	if safeDPI < p.ImageDPI {
		p.ImageDPI = safeDPI
	}
	p.PreserveVectors = true
	p.Compression = types.CompressionNone
	if p.PdfaLevel > types.MinPdfaLevel {
		p.PdfaLevel--
	}
	if tier == 2 {
		return p
	}

	p.Tier = 3
	p.OCREnabled = false
	p.OCRLanguages = nil
	return p
}

// Delta lists the parameters that differ between two tiers as
// name -> {"from": x, "to": y}.
func Delta(from, to engine.Parameters) map[string]any {
	delta := make(map[string]any)
	add := func(name string, a, b any) {
		delta[name] = map[string]any{"from": a, "to": b}
	}
	if from.PdfaLevel != to.PdfaLevel {
		add("pdfa_level", from.PdfaLevel, to.PdfaLevel)
	}
	if from.OCREnabled != to.OCREnabled {
		add("ocr_enabled", from.OCREnabled, to.OCREnabled)
	}
	if from.Compression != to.Compression {
		add("compression", string(from.Compression), string(to.Compression))
	}
	if from.ImageDPI != to.ImageDPI {
		add("image_dpi", from.ImageDPI, to.ImageDPI)
	}
	if from.PreserveVectors != to.PreserveVectors {
		add("preserve_vectors", from.PreserveVectors, to.PreserveVectors)
	}
	return delta
}
