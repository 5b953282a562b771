package types

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOCRLanguageValidation(t *testing.T) {
	v := validator.New(validator.WithRequiredStructEnabled())
	require.NoError(t, RegisterValidations(v))

	tests := []struct {
		name  string
		langs []string
		valid bool
	}{
		{"single", []string{"eng"}, true},
		{"two letter", []string{"en"}, true},
		{"script variant", []string{"chi_sim"}, true},
		{"traditional with latin", []string{"eng", "chi_tra"}, true},
		{"fraktur", []string{"deu_frak"}, true},
		{"vertical", []string{"chi_sim_vert"}, true},
		{"none", nil, true},
		{"upper case", []string{"ENG"}, false},
		{"flag injection", []string{"--tesseract-config"}, false},
		{"path", []string{"../eng"}, false},
		{"blank", []string{""}, false},
		{"trailing underscore", []string{"eng_"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Configuration{PdfaLevel: 2, OCREnabled: true, OCRLanguages: tt.langs}
			err := v.Struct(cfg)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSplitOCRLanguages(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{nil, nil},
		{[]string{"eng"}, []string{"eng"}},
		{[]string{"eng+deu"}, []string{"eng", "deu"}},
		{[]string{"eng+chi_sim", "fra"}, []string{"eng", "chi_sim", "fra"}},
		{[]string{" eng ", "+", ""}, []string{"eng"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitOCRLanguages(tt.in), "%q", tt.in)
	}
}
