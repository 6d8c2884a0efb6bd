package classifier

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RecognizerFile is a YAML document of recognizers. The layout follows the
// Presidio recognizer registry so existing files can be reused; unknown keys
// are ignored.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig describes how one entity kind is found in text.
type RecognizerConfig struct {
	Name               string            `yaml:"name" json:"name"`
	SupportedEntity    string            `yaml:"supported_entity" json:"supported_entity"`
	Enabled            *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Patterns           []PatternConfig   `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	SupportedLanguages []LanguageContext `yaml:"supported_languages,omitempty" json:"supported_languages,omitempty"`
	DenyList           []string          `yaml:"deny_list,omitempty" json:"deny_list,omitempty"`
	DenyListScore      float64           `yaml:"deny_list_score,omitempty" json:"deny_list_score,omitempty"`

	// Sensitivity breaks overlap ties in the detector; Severity weights
	// lexicon hits in pattern classifiers.
	Sensitivity int    `yaml:"sensitivity,omitempty" json:"sensitivity,omitempty"`
	Severity    int    `yaml:"severity,omitempty" json:"severity,omitempty"`
	Validation  string `yaml:"validation,omitempty" json:"validation,omitempty"` // luhn, iban
}

type PatternConfig struct {
	Name  string  `yaml:"name" json:"name"`
	Regex string  `yaml:"regex" json:"regex"`
	Score float64 `yaml:"score" json:"score"`
}

// LanguageContext lists words that, near a match, raise its score.
type LanguageContext struct {
	Language string   `yaml:"language" json:"language"`
	Context  []string `yaml:"context,omitempty" json:"context,omitempty"`
}

// CompiledPattern is one regex ready for matching, carrying the metadata of
// the recognizer it came from.
type CompiledPattern struct {
	Recognizer   string
	Kind         string
	Name         string
	Pattern      *regexp.Regexp
	Score        float64
	Sensitivity  int
	Severity     int
	Validation   string
	ContextWords []string
	// Group is the submatch holding the entity; 0 is the whole match.
	Group int
}

func (r *RecognizerConfig) enabled() bool { return r.Enabled == nil || *r.Enabled }

// ParseRecognizerFile decodes recognizer YAML.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	rf := &RecognizerFile{}
	if err := yaml.Unmarshal(data, rf); err != nil {
		return nil, fmt.Errorf("decoding recognizers: %w", err)
	}
	return rf, nil
}

// LoadRecognizerFile reads recognizers from path. A missing file yields
// (nil, nil): extra recognizer files are optional.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// MergeRecognizers overlays layers left to right. A recognizer whose name
// already exists replaces the earlier one in place, keeping order stable.
func MergeRecognizers(layers ...[]RecognizerConfig) []RecognizerConfig {
	var out []RecognizerConfig
	pos := map[string]int{}
	for _, layer := range layers {
		for _, rc := range layer {
			if i, ok := pos[rc.Name]; ok {
				out[i] = rc
			} else {
				pos[rc.Name] = len(out)
				out = append(out, rc)
			}
		}
	}
	return out
}

// FilterByEntities keeps recognizers whose kind is in include (all kinds
// when include is empty) and not in exclude. Names are normalized first, so
// "EMAIL_ADDRESS" and "EMAIL" are the same kind.
func FilterByEntities(recs []RecognizerConfig, include, exclude []string) []RecognizerConfig {
	in, ex := kindSet(include), kindSet(exclude)
	out := make([]RecognizerConfig, 0, len(recs))
	for _, r := range recs {
		k := EntityKind(r.SupportedEntity)
		if (len(in) == 0 || in[k]) && !ex[k] {
			out = append(out, r)
		}
	}
	return out
}

func kindSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[EntityKind(n)] = true
	}
	return set
}

// CompilePatterns turns enabled recognizers into patterns. A deny list
// becomes one case-insensitive, word-bounded alternation scored with
// DenyListScore (1.0 when unset).
func CompilePatterns(recs []RecognizerConfig) ([]CompiledPattern, error) {
	var out []CompiledPattern
	for i := range recs {
		rc := &recs[i]
		if !rc.enabled() {
			continue
		}
		var words []string
		for _, lc := range rc.SupportedLanguages {
			words = append(words, lc.Context...)
		}
		add := func(name string, re *regexp.Regexp, score float64, group int) {
			out = append(out, CompiledPattern{
				Recognizer:   rc.Name,
				Kind:         EntityKind(rc.SupportedEntity),
				Name:         name,
				Pattern:      re,
				Score:        score,
				Sensitivity:  rc.Sensitivity,
				Severity:     rc.Severity,
				Validation:   rc.Validation,
				ContextWords: words,
				Group:        group,
			})
		}

		for _, p := range rc.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("recognizer %q pattern %q: %w", rc.Name, p.Name, err)
			}
			group := 0
			if re.NumSubexp() > 0 {
				group = 1
			}
			add(p.Name, re, p.Score, group)
		}

		if len(rc.DenyList) == 0 {
			continue
		}
		terms := make([]string, len(rc.DenyList))
		for j, t := range rc.DenyList {
			terms[j] = regexp.QuoteMeta(t)
		}
		re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(terms, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("recognizer %q deny list: %w", rc.Name, err)
		}
		score := rc.DenyListScore
		if score == 0 {
			score = 1.0
		}
		add("deny_list", re, score, 0)
	}
	return out, nil
}

// presidioKinds maps Presidio entity names onto placeholder kinds.
var presidioKinds = map[string]string{
	"EMAIL_ADDRESS": "EMAIL",
	"PHONE_NUMBER":  "PHONE",
	"IBAN_CODE":     "IBAN",
	"PERSON":        "NAME",
	"US_SSN":        "SSN",
	"CRYPTO":        "CRYPTO_WALLET",
}

// EntityKind normalizes an entity name to the upper snake case used in
// placeholders. Every character outside [A-Z0-9_] becomes "_", so any kind
// yields a placeholder the vault can parse back.
func EntityKind(entity string) string {
	e := strings.ToUpper(strings.TrimSpace(entity))
	if k, ok := presidioKinds[e]; ok {
		return k
	}
	k := strings.Map(func(r rune) rune {
		if ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, e)
	if strings.Trim(k, "_") == "" {
		return "ENTITY"
	}
	return k
}
