// Package patterns provides embedded default recognizer definitions.
// YAML files in this directory use the Presidio-compatible recognizer format
// with guardrail extensions (sensitivity, validation, capture groups).
package patterns

import _ "embed"

//go:embed pii.yaml
var piiYAML []byte

//go:embed injection.yaml
var injectionYAML []byte

//go:embed toxicity.yaml
var toxicityYAML []byte

//go:embed refusal.yaml
var refusalYAML []byte

// PIIYAML returns the embedded default PII recognizer definitions.
func PIIYAML() []byte { return piiYAML }

// InjectionYAML returns the embedded prompt-injection recognizer definitions.
func InjectionYAML() []byte { return injectionYAML }

// ToxicityYAML returns the embedded toxicity lexicon recognizers.
func ToxicityYAML() []byte { return toxicityYAML }

// RefusalYAML returns the embedded model-refusal phrase recognizers.
func RefusalYAML() []byte { return refusalYAML }
