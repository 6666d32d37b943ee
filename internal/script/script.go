// Package script selects and renders the language-keyed call scripts used by
// the pipeline. Templates live in a data asset embedded at build time and are
// parsed once at startup.
package script

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"callcast/internal/campaign"
	"callcast/internal/joberr"
)

// DefaultLanguage is the fallback when neither the job nor the customer
// carries a usable language.
const DefaultLanguage = "en"

//go:embed templates.json
var templateAsset []byte

// Selector holds the campaign-type x language template table.
type Selector struct {
	templates map[campaign.Type]map[string]string
	fallback  string
}

// Load parses the embedded template asset. Every campaign type must carry at
// least a default-language template; a gap is a startup error, not something
// to discover per job.
func Load() (*Selector, error) {
	return load(templateAsset, DefaultLanguage)
}

func load(asset []byte, fallback string) (*Selector, error) {
	var raw map[string]map[string]string
	if err := json.Unmarshal(asset, &raw); err != nil {
		return nil, fmt.Errorf("parse script templates: %w", err)
	}

	tpls := make(map[campaign.Type]map[string]string, len(raw))
	for key, byLang := range raw {
		t, err := campaign.ParseType(key)
		if err != nil {
			return nil, fmt.Errorf("script templates: %w", err)
		}
		tpls[t] = byLang
	}
	for _, t := range campaign.Types {
		if tpls[t][fallback] == "" {
			return nil, fmt.Errorf("script templates: %s missing %q template", t, fallback)
		}
	}
	return &Selector{templates: tpls, fallback: fallback}, nil
}

// Select returns the template for (campaignType, language). An unknown
// language silently falls back to the default language; an unknown campaign
// type is a permanent configuration error.
func (s *Selector) Select(t campaign.Type, language string) (string, error) {
	byLang, ok := s.templates[t]
	if !ok {
		return "", joberr.Newf(joberr.Permanent, "no script templates configured for campaign type %s", t)
	}
	lang := normalizeLanguage(language)
	if tpl := byLang[lang]; tpl != "" {
		return tpl, nil
	}
	return byLang[s.fallback], nil
}

// Render substitutes {var} placeholders. Unmatched placeholders are left
// as-is rather than erased, so a missing variable is visible downstream.
func Render(tpl string, vars map[string]string) string {
	out := tpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	// "nl-NL" and "nl" select the same template.
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	return lang
}
