package config

// RoutingOptions holds everything the router consults: scoring lexicons and
// weights, tier boundaries, tier model tables, and override rules. Loaded from
// routing.yaml and hot-reloadable.
type RoutingOptions struct {
	Scoring   ScoringOptions        `yaml:"scoring"`
	Tiers     map[string]TierOption `yaml:"tiers"`
	Overrides OverrideOptions       `yaml:"overrides"`
}

type ScoringOptions struct {
	// MaxScoredChars truncates the prompt before scoring. Truncation affects
	// scoring cost only, never correctness.
	MaxScoredChars int `yaml:"max_scored_chars"`

	// TokenCountThresholds are the normalization breakpoints for the token
	// count dimension: [short, medium, long].
	TokenCountThresholds []int `yaml:"token_count_thresholds"`

	CodeKeywords         []string `yaml:"code_keywords"`
	ReasoningKeywords    []string `yaml:"reasoning_keywords"`
	TechnicalKeywords    []string `yaml:"technical_keywords"`
	CreativeKeywords     []string `yaml:"creative_keywords"`
	SimpleKeywords       []string `yaml:"simple_keywords"`
	MultiStepKeywords    []string `yaml:"multi_step_keywords"`
	ImperativeKeywords   []string `yaml:"imperative_keywords"`
	ConstraintKeywords   []string `yaml:"constraint_keywords"`
	OutputFormatKeywords []string `yaml:"output_format_keywords"`
	DomainKeywords       []string `yaml:"domain_keywords"`

	// DimensionWeights must sum to 1.0 across the 14 dimensions.
	DimensionWeights map[string]float64 `yaml:"dimension_weights"`

	// TierBoundaries are the three thresholds on the composite score:
	// SIMPLE below the first, REASONING above the last.
	TierBoundaries []float64 `yaml:"tier_boundaries"`

	ConfidenceSteepness float64 `yaml:"confidence_steepness"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

type TierOption struct {
	Primary  string   `yaml:"primary"`
	Fallback []string `yaml:"fallback"`
}

type OverrideOptions struct {
	MaxTokensForceComplex   int    `yaml:"max_tokens_force_complex"`
	StructuredOutputMinTier string `yaml:"structured_output_min_tier"`
	AmbiguousDefaultTier    string `yaml:"ambiguous_default_tier"`
}

func DefaultRoutingOptions() RoutingOptions {
	return RoutingOptions{
		Scoring: ScoringOptions{
			MaxScoredChars:       500,
			TokenCountThresholds: []int{20, 100, 300},
			CodeKeywords: []string{
				"function", "code", "debug", "implement", "refactor", "compile",
				"class", "method", "api", "bug", "regex", "sql", "script",
				"algorithm", "syntax", "stack trace", "unit test",
			},
			ReasoningKeywords: []string{
				"prove", "derive", "step by step", "step-by-step", "formally",
				"theorem", "contradiction", "deduce", "rigorous", "logically",
				"chain of thought", "reason through", "first principles",
			},
			TechnicalKeywords: []string{
				"kubernetes", "database", "protocol", "encryption", "compiler",
				"latency", "throughput", "concurrency", "distributed", "kernel",
				"tcp", "http", "architecture",
			},
			CreativeKeywords: []string{
				"story", "poem", "creative", "imagine", "fictional", "brainstorm",
				"song", "haiku", "metaphor", "character",
			},
			SimpleKeywords: []string{
				"what is", "who is", "when was", "where is", "define",
				"capital of", "how many", "translate", "meaning of", "convert",
			},
			MultiStepKeywords: []string{
				"first", "then", "finally", "after that", "next,", "step 1",
				"followed by", "and also", "in addition",
			},
			ImperativeKeywords: []string{
				"write", "create", "build", "generate", "design", "analyze",
				"compare", "summarize", "explain", "list", "implement", "draft",
			},
			ConstraintKeywords: []string{
				"must", "should", "at most", "at least", "no more than",
				"exactly", "without using", "limit", "within", "constraint",
			},
			OutputFormatKeywords: []string{
				"json", "yaml", "csv", "markdown", "table", "bullet points",
				"numbered list", "xml", "schema",
			},
			DomainKeywords: []string{
				"legal", "medical", "financial", "tax", "clinical", "regulatory",
				"contract", "diagnosis", "litigation", "pharmacology",
			},
			DimensionWeights: map[string]float64{
				"token_count":           0.08,
				"code_keywords":         0.10,
				"reasoning_markers":     0.16,
				"technical_terms":       0.08,
				"creative_markers":      0.04,
				"simple_indicators":     0.10,
				"multi_step":            0.08,
				"question_complexity":   0.06,
				"imperative_verbs":      0.05,
				"constraint_indicators": 0.07,
				"output_format":         0.05,
				"back_references":       0.04,
				"negation":              0.03,
				"domain_specificity":    0.06,
			},
			TierBoundaries:      []float64{0.25, 0.50, 0.75},
			ConfidenceSteepness: 12,
			ConfidenceThreshold: 0.70,
		},
		Overrides: OverrideOptions{
			MaxTokensForceComplex:   100000,
			StructuredOutputMinTier: "MEDIUM",
			AmbiguousDefaultTier:    "MEDIUM",
		},
	}
}
