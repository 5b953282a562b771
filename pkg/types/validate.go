package types

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// OCRLanguageTag validates one Tesseract language code: eng, deu_frak,
// chi_sim, chi_sim_vert.
const OCRLanguageTag = "ocrlang"

var ocrLanguagePattern = regexp.MustCompile(`^[a-z]{2,4}(_[a-z]{3,4}){0,2}$`)

// RegisterValidations installs the domain tags used by Configuration.
func RegisterValidations(v *validator.Validate) error {
	return v.RegisterValidation(OCRLanguageTag, func(fl validator.FieldLevel) bool {
		return ocrLanguagePattern.MatchString(fl.Field().String())
	})
}

// SplitOCRLanguages expands "eng+deu" entries into separate codes and drops
// blanks, so both ["eng", "deu"] and ["eng+deu"] name the same set.
func SplitOCRLanguages(langs []string) []string {
	if len(langs) == 0 {
		return nil
	}
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		for _, code := range strings.Split(l, "+") {
			if code = strings.TrimSpace(code); code != "" {
				out = append(out, code)
			}
		}
	}
	return out
}
