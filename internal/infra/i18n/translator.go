package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales
var LocalesFS embed.FS

// DefaultLanguage is the locale workers load at startup.
const DefaultLanguage = "es"

// Translator resolves message keys for one language.
type Translator struct {
	translations map[string]string
}

// NewTranslator reads locales/<langCode>.yaml from fsys.
func NewTranslator(fsys fs.FS, langCode string) (*Translator, error) {
	filePath := filepath.Join("locales", fmt.Sprintf("%s.yaml", langCode))
	data, err := fs.ReadFile(fsys, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read translation file %s: %w", filePath, err)
	}
	return newTranslatorFromBytes(data)
}

func newTranslatorFromBytes(data []byte) (*Translator, error) {
	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("failed to parse translation file: %w", err)
	}
	return &Translator{translations: translations}, nil
}

// MustLoad loads an embedded locale and panics when it is missing.
func MustLoad(langCode string) *Translator {
	t, err := NewTranslator(LocalesFS, langCode)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Translator) T(key string, args ...interface{}) string {
	format, ok := t.translations[key]
	if !ok {
		return key
	}
	if len(args) > 0 {
		return fmt.Sprintf(format, args...)
	}
	return format
}

// IndustryPrompt returns the auto-response system prompt for industry,
// falling back to industry.default for unknown or empty industries.
func (t *Translator) IndustryPrompt(industry string) string {
	key := "industry." + strings.ToLower(strings.TrimSpace(industry))
	if p, ok := t.translations[key]; ok && industry != "" {
		return p
	}
	return t.translations["industry.default"]
}
