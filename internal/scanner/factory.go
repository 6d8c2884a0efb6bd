package scanner

import (
	"fmt"

	"github.com/dativo-io/guardrail/internal/classifier"
	"github.com/dativo-io/guardrail/internal/vault"
)

// Deps are the collaborators scanners are built from. Nil classifiers fall
// back to the local pattern and lexicon classifiers.
type Deps struct {
	Vault     *vault.Vault
	Detector  *classifier.Detector
	Injection classifier.Classifier
	Toxicity  classifier.Classifier
	Refusal   classifier.Classifier
	Relevance classifier.Classifier
}

// Settings holds per-scanner tuning.
type Settings struct {
	Thresholds map[string]float64
	TokenLimit int
	BanList    []string
	RedactBans bool
}

// Build constructs the scanners named in names, in order.
func Build(names []string, deps Deps, settings Settings) ([]Scanner, error) {
	out := make([]Scanner, 0, len(names))
	for _, name := range names {
		s, err := buildOne(name, &deps, settings)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func buildOne(name string, deps *Deps, settings Settings) (Scanner, error) {
	threshold := WithThreshold(settings.Thresholds[name])
	switch name {
	case NameAnonymize, NameDeanonymize:
		if deps.Vault == nil {
			return nil, fmt.Errorf("scanner %s requires a vault", name)
		}
		if name == NameAnonymize {
			return NewAnonymize(deps.Vault), nil
		}
		return NewDeanonymize(deps.Vault), nil
	case NameTokenLimit:
		return NewTokenLimit(settings.TokenLimit), nil
	case NameHTMLSanitize:
		return NewHTMLSanitize(), nil
	case NameBanSubstrings:
		var opts []BanOption
		if settings.RedactBans {
			opts = append(opts, WithRedact())
		}
		return NewBanSubstrings(settings.BanList, opts...), nil
	case NamePromptInjection:
		c, err := orDefault(&deps.Injection, classifier.NewInjectionClassifier)
		if err != nil {
			return nil, err
		}
		return NewPromptInjection(c, threshold), nil
	case NameToxicity:
		c, err := orDefault(&deps.Toxicity, classifier.NewToxicityClassifier)
		if err != nil {
			return nil, err
		}
		return NewToxicity(c, threshold), nil
	case NameNoRefusal:
		c, err := orDefault(&deps.Refusal, classifier.NewRefusalClassifier)
		if err != nil {
			return nil, err
		}
		return NewNoRefusal(c, threshold), nil
	case NameRelevance:
		if deps.Relevance == nil {
			deps.Relevance = classifier.NewRelevanceClassifier()
		}
		return NewRelevance(deps.Relevance, threshold), nil
	case NameSensitive:
		if deps.Detector == nil {
			d, err := classifier.NewDetector()
			if err != nil {
				return nil, err
			}
			deps.Detector = d
		}
		var known classifier.KnownValues
		if deps.Vault != nil {
			known = deps.Vault
		}
		return NewSensitive(classifier.NewSensitiveClassifier(deps.Detector, known), threshold), nil
	default:
		return nil, fmt.Errorf("unknown scanner %q", name)
	}
}

func orDefault[T classifier.Classifier](slot *classifier.Classifier, build func() (T, error)) (classifier.Classifier, error) {
	if *slot != nil {
		return *slot, nil
	}
	c, err := build()
	if err != nil {
		return nil, err
	}
	*slot = c
	return c, nil
}
