// Package router implements the deterministic prompt classifier. It scores a
// prompt on a fixed set of weighted dimensions, calibrates a confidence via a
// logistic sigmoid, and maps the result to a complexity tier and model.
//
// Route is pure and synchronous: same input, same decision, no I/O. It is on
// the hot path of every request and must stay sub-millisecond for prompts up
// to the scoring truncation limit.
package router

import (
	"fmt"
	"math"
	"strings"

	"github.com/clawinfra/clawrouter/internal/catalog"
	"github.com/clawinfra/clawrouter/internal/config"
	"github.com/clawinfra/clawrouter/internal/types"
)

// Context carries the request attributes the router consults beyond the
// prompt text itself.
type Context struct {
	RequestedModel string
	HasTools       bool
	MaxTokens      *int
	MessageCount   int
	// ContextTokens is the rough token estimate of the whole message array,
	// used only for the context-window fit check.
	ContextTokens int
	// NonText is set when the request carries non-text content parts.
	NonText     bool
	WalletEmpty bool
}

type Router struct {
	catalog *catalog.Catalog
	opts    func() config.RoutingOptions
}

func New(cat *catalog.Catalog, opts func() config.RoutingOptions) *Router {
	return &Router{catalog: cat, opts: opts}
}

// Route classifies a prompt and selects the cheapest capable model.
func (r *Router) Route(prompt string, rc Context) types.Decision {
	opts := r.opts()

	// 1. Alias resolution: an explicit real model is forced through as-is.
	resolved, ok := r.catalog.Resolve(rc.RequestedModel)
	if ok && resolved != catalog.AUTO {
		d := types.Decision{
			Model:      resolved,
			Confidence: 1.0,
			Method:     types.MethodForced,
			Reasoning:  fmt.Sprintf("explicit model %q", rc.RequestedModel),
		}
		if m, ok := r.catalog.Get(resolved); ok {
			d.Tier = m.Affinity
		}
		r.accountCost(&d, prompt, rc)
		return d
	}

	// 2. Override rules, in order; first match wins.
	if rc.WalletEmpty {
		d := types.Decision{
			Model:      catalog.Free,
			Confidence: 1.0,
			Method:     types.MethodFreeFallback,
			Tier:       types.TierSimple,
			Reasoning:  "wallet empty, routing to free tier",
		}
		r.accountCost(&d, prompt, rc)
		return d
	}
	if rc.MaxTokens != nil && opts.Overrides.MaxTokensForceComplex > 0 &&
		*rc.MaxTokens >= opts.Overrides.MaxTokensForceComplex {
		return r.decideTier(types.TierComplex, 1.0, types.MethodForced,
			fmt.Sprintf("max_tokens %d forces COMPLEX", *rc.MaxTokens), prompt, rc)
	}
	if rc.HasTools {
		minTier := types.TierMedium
		if t, ok := types.ParseTier(opts.Overrides.StructuredOutputMinTier); ok {
			minTier = t
		}
		return r.decideTier(minTier, 0.90, types.MethodForced,
			"tools requested, floor tier applied", prompt, rc)
	}

	if rc.NonText {
		// No tier advertises multimodality; route conservatively.
		return r.decideTier(types.TierMedium, 0.90, types.MethodForced,
			"non-text content present", prompt, rc)
	}

	scored := truncate(strings.ToLower(prompt), opts.Scoring.MaxScoredChars)
	if countMatches(scored, opts.Scoring.ReasoningKeywords) >= 2 {
		return r.decideTier(types.TierReasoning, 0.97, types.MethodForced,
			"multiple reasoning markers present", prompt, rc)
	}

	// Edge case: nothing to score.
	if strings.TrimSpace(prompt) == "" {
		return r.decideTier(types.TierSimple, 0.5, types.MethodDefault,
			"empty prompt, defaulting to SIMPLE", prompt, rc)
	}

	// 3-4. Dimensional scoring and tier assignment.
	features := featureVector(scored, rc.MessageCount, &opts.Scoring)
	score := composite(features, opts.Scoring.DimensionWeights)
	tier := tierFor(score, opts.Scoring.TierBoundaries)

	// 5. Confidence calibration.
	confidence := sigmoidConfidence(score, opts.Scoring.TierBoundaries, opts.Scoring.ConfidenceSteepness)
	if confidence < opts.Scoring.ConfidenceThreshold {
		defaultTier := types.TierMedium
		if t, ok := types.ParseTier(opts.Overrides.AmbiguousDefaultTier); ok {
			defaultTier = t
		}
		return r.decideTier(defaultTier, confidence, types.MethodDefault,
			fmt.Sprintf("score %.3f too close to a boundary, using default tier", score), prompt, rc)
	}

	return r.decideTier(tier, confidence, types.MethodScored,
		fmt.Sprintf("composite score %.3f", score), prompt, rc)
}

// decideTier picks the model for a tier (promoting for context-window fit) and
// fills in cost accounting.
func (r *Router) decideTier(tier types.Tier, confidence float64, method types.RouteMethod, why string, prompt string, rc Context) types.Decision {
	model := r.catalog.Tier(tier).Primary

	if m, ok := r.catalog.Get(model); ok && rc.ContextTokens > m.ContextWindow {
		if fit, ok := r.catalog.CheapestWithWindow(tier, rc.ContextTokens); ok {
			model = fit.ID
			why += fmt.Sprintf("; promoted to %s for context window", fit.ID)
		}
	}

	d := types.Decision{
		Model:      model,
		Tier:       tier,
		Confidence: confidence,
		Method:     method,
		Reasoning:  why,
	}
	r.accountCost(&d, prompt, rc)
	return d
}

// accountCost estimates request cost against the chosen model and the most
// expensive reasoning model (the baseline a naive client would pay).
func (r *Router) accountCost(d *types.Decision, prompt string, rc Context) {
	inputTokens := float64(len(prompt)) / 4
	outputTokens := 1000.0
	if rc.MaxTokens != nil && *rc.MaxTokens > 0 {
		outputTokens = float64(*rc.MaxTokens)
	}

	if m, ok := r.catalog.Get(d.Model); ok {
		d.CostEstimate = inputTokens/1e6*m.InputCost + outputTokens/1e6*m.OutputCost
	}
	baseline := r.catalog.Baseline()
	d.BaselineCost = inputTokens/1e6*baseline.InputCost + outputTokens/1e6*baseline.OutputCost
	if d.BaselineCost > 0 {
		d.Savings = 1 - d.CostEstimate/d.BaselineCost
	}
}

// composite is the dot-product of the feature vector with the weight vector.
// Weights sum to 1.0, features are clipped to [0,1], so the result is in [0,1].
func composite(features, weights map[string]float64) float64 {
	var score float64
	for _, dim := range dimensions {
		score += features[dim] * weights[dim]
	}
	return clip(score)
}

func tierFor(score float64, boundaries []float64) types.Tier {
	if len(boundaries) != 3 {
		return types.TierMedium
	}
	// Ties prefer the cheaper tier, hence strict comparisons upward.
	switch {
	case score <= boundaries[0]:
		return types.TierSimple
	case score <= boundaries[1]:
		return types.TierMedium
	case score <= boundaries[2]:
		return types.TierComplex
	default:
		return types.TierReasoning
	}
}

// sigmoidConfidence maps distance from the nearest tier boundary through a
// logistic sigmoid. On a boundary the confidence is 0.5; it approaches 1.0 as
// the score moves away from every boundary.
func sigmoidConfidence(score float64, boundaries []float64, steepness float64) float64 {
	if len(boundaries) == 0 {
		return 1
	}
	nearest := math.Inf(1)
	for _, b := range boundaries {
		if d := math.Abs(score - b); d < nearest {
			nearest = d
		}
	}
	return 1 / (1 + math.Exp(-steepness*nearest))
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
