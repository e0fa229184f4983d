package router

import (
	"strings"

	"github.com/clawinfra/clawrouter/internal/config"
)

// dimension names, in weight-vector order. These match the keys of
// scoring.dimension_weights in routing.yaml.
var dimensions = []string{
	"token_count",
	"code_keywords",
	"reasoning_markers",
	"technical_terms",
	"creative_markers",
	"simple_indicators",
	"multi_step",
	"question_complexity",
	"imperative_verbs",
	"constraint_indicators",
	"output_format",
	"back_references",
	"negation",
	"domain_specificity",
}

// featureVector computes the 14 scoring dimensions for a lowercased, truncated
// prompt. Every feature is clipped to [0,1]. The extraction is pure: no I/O,
// no allocation beyond the token split and the result map, and deterministic
// for a given prompt.
func featureVector(prompt string, msgCount int, opts *config.ScoringOptions) map[string]float64 {
	tokens := strings.Fields(prompt)
	n := len(tokens)

	f := make(map[string]float64, len(dimensions))
	f["token_count"] = tokenCountFeature(n, opts.TokenCountThresholds)
	f["code_keywords"] = clip(float64(countMatches(prompt, opts.CodeKeywords)) / 3)
	f["reasoning_markers"] = clip(float64(countMatches(prompt, opts.ReasoningKeywords)) / 2)
	f["technical_terms"] = density(prompt, opts.TechnicalKeywords, n)
	f["creative_markers"] = density(prompt, opts.CreativeKeywords, n)
	// Simple indicators pull the composite down, so the feature is inverted:
	// a prompt full of "what is" phrasing scores near zero here.
	f["simple_indicators"] = 1 - clip(float64(countMatches(prompt, opts.SimpleKeywords))/2)
	f["multi_step"] = clip(float64(countMatches(prompt, opts.MultiStepKeywords)) / 3)
	f["question_complexity"] = questionComplexity(prompt)
	f["imperative_verbs"] = clip(float64(countMatches(prompt, opts.ImperativeKeywords)) / 3)
	f["constraint_indicators"] = clip(float64(countMatches(prompt, opts.ConstraintKeywords)) / 3)
	f["output_format"] = clip(float64(countMatches(prompt, opts.OutputFormatKeywords)) / 2)
	f["back_references"] = backReferences(prompt, msgCount)
	f["negation"] = clip(float64(countMatches(prompt, negationMarkers)) / 3)
	f["domain_specificity"] = density(prompt, opts.DomainKeywords, n)
	return f
}

var negationMarkers = []string{"not ", "n't", "never", "without", "except", "exclude", "avoid"}

var whyHowMarkers = []string{"why ", "how ", "why?", "how?"}

var backRefMarkers = []string{
	"the above", "previous", "earlier", "as before", "that one",
	"the same", "aforementioned", "refer back",
}

func tokenCountFeature(n int, thresholds []int) float64 {
	if len(thresholds) != 3 || n <= 0 {
		return 0
	}
	t0, t1, t2 := float64(thresholds[0]), float64(thresholds[1]), float64(thresholds[2])
	v := float64(n)
	switch {
	case v <= t0:
		return clip(v / t0 * 0.33)
	case v <= t1:
		return clip(0.33 + (v-t0)/(t1-t0)*0.33)
	case v <= t2:
		return clip(0.66 + (v-t1)/(t2-t1)*0.34)
	default:
		return 1
	}
}

// countMatches counts substring occurrences of every keyword in text.
func countMatches(text string, keywords []string) int {
	total := 0
	for _, kw := range keywords {
		total += strings.Count(text, kw)
	}
	return total
}

// density scales keyword matches by prompt length so long prompts do not
// dominate short ones.
func density(text string, keywords []string, tokens int) float64 {
	if tokens == 0 {
		return 0
	}
	matches := countMatches(text, keywords)
	return clip(float64(matches) * 8 / float64(tokens))
}

func questionComplexity(prompt string) float64 {
	qmarks := strings.Count(prompt, "?")
	score := 0.2 * float64(qmarks)
	if countMatches(prompt, whyHowMarkers) > 0 {
		score += 0.4
	}
	return clip(score)
}

func backReferences(prompt string, msgCount int) float64 {
	score := float64(countMatches(prompt, backRefMarkers)) * 0.4
	if msgCount > 4 {
		score += 0.3
	}
	return clip(score)
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
