package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/clawinfra/clawrouter/internal/types"
)

// AUTO is the pseudo-model that delegates model choice to the router.
const AUTO = "auto"

// Free is the zero-cost fallback model, used when the wallet is empty.
const Free = "meta-llama/llama-3.3-8b-instruct:free"

// hostPrefix is stripped from incoming model ids before resolution.
const hostPrefix = "clawrouter/"

// Model describes one upstream model. Immutable for the life of the process.
type Model struct {
	ID            string
	DisplayName   string
	ContextWindow int
	MaxOutput     int
	// USD per 1M tokens
	InputCost  float64
	OutputCost float64

	Reasoning bool
	Tools     bool
	Streaming bool

	Affinity types.Tier
}

// TierModels is the ordered model list for one tier.
type TierModels struct {
	Primary  string
	Fallback []string
}

// Catalog holds the static model set, alias table and tier tables.
type Catalog struct {
	mu      sync.RWMutex
	models  map[string]Model
	aliases map[string]string
	tiers   map[types.Tier]TierModels
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c := &Catalog{
		models:  make(map[string]Model),
		aliases: make(map[string]string),
		tiers:   make(map[types.Tier]TierModels),
	}
	for _, m := range defaultModels {
		c.models[m.ID] = m
	}
	for alias, id := range defaultAliases {
		c.aliases[alias] = id
	}
	for tier, tm := range defaultTiers {
		c.tiers[tier] = tm
	}
	return c
}

var defaultModels = []Model{
	{
		ID: Free, DisplayName: "Llama 3.3 8B (free)",
		ContextWindow: 131072, MaxOutput: 4096,
		InputCost: 0, OutputCost: 0,
		Tools: false, Streaming: true, Affinity: types.TierSimple,
	},
	{
		ID: "deepseek/deepseek-chat", DisplayName: "DeepSeek V3",
		ContextWindow: 65536, MaxOutput: 8192,
		InputCost: 0.27, OutputCost: 1.10,
		Tools: true, Streaming: true, Affinity: types.TierSimple,
	},
	{
		ID: "openai/gpt-4o-mini", DisplayName: "GPT-4o mini",
		ContextWindow: 128000, MaxOutput: 16384,
		InputCost: 0.15, OutputCost: 0.60,
		Tools: true, Streaming: true, Affinity: types.TierMedium,
	},
	{
		ID: "google/gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash",
		ContextWindow: 1048576, MaxOutput: 8192,
		InputCost: 0.10, OutputCost: 0.40,
		Tools: true, Streaming: true, Affinity: types.TierMedium,
	},
	{
		ID: "moonshotai/kimi-k2", DisplayName: "Kimi K2",
		ContextWindow: 131072, MaxOutput: 16384,
		InputCost: 0.60, OutputCost: 2.50,
		Tools: true, Streaming: true, Affinity: types.TierMedium,
	},
	{
		ID: "anthropic/claude-sonnet-4", DisplayName: "Claude Sonnet 4",
		ContextWindow: 200000, MaxOutput: 64000,
		InputCost: 3.00, OutputCost: 15.00,
		Reasoning: true, Tools: true, Streaming: true, Affinity: types.TierComplex,
	},
	{
		ID: "openai/gpt-4o", DisplayName: "GPT-4o",
		ContextWindow: 128000, MaxOutput: 16384,
		InputCost: 2.50, OutputCost: 10.00,
		Tools: true, Streaming: true, Affinity: types.TierComplex,
	},
	{
		ID: "openai/o3", DisplayName: "o3",
		ContextWindow: 200000, MaxOutput: 100000,
		InputCost: 10.00, OutputCost: 40.00,
		Reasoning: true, Tools: true, Streaming: true, Affinity: types.TierReasoning,
	},
	{
		ID: "deepseek/deepseek-r1", DisplayName: "DeepSeek R1",
		ContextWindow: 65536, MaxOutput: 32768,
		InputCost: 0.55, OutputCost: 2.19,
		Reasoning: true, Streaming: true, Affinity: types.TierReasoning,
	},
}

// Versioned shorthands and marketing names people actually type.
var defaultAliases = map[string]string{
	"free":              Free,
	"llama":             Free,
	"deepseek":          "deepseek/deepseek-chat",
	"deepseek-chat":     "deepseek/deepseek-chat",
	"deepseek-v3":       "deepseek/deepseek-chat",
	"r1":                "deepseek/deepseek-r1",
	"deepseek-r1":       "deepseek/deepseek-r1",
	"gpt-4o-mini":       "openai/gpt-4o-mini",
	"4o-mini":           "openai/gpt-4o-mini",
	"gpt-4o":            "openai/gpt-4o",
	"4o":                "openai/gpt-4o",
	"o3":                "openai/o3",
	"gemini-flash":      "google/gemini-2.0-flash",
	"gemini-2.0-flash":  "google/gemini-2.0-flash",
	"kimi":              "moonshotai/kimi-k2",
	"kimi-k2":           "moonshotai/kimi-k2",
	"sonnet":            "anthropic/claude-sonnet-4",
	"sonnet-4":          "anthropic/claude-sonnet-4",
	"sonnet-4.6":        "anthropic/claude-sonnet-4",
	"claude-sonnet-4":   "anthropic/claude-sonnet-4",
	"claude-sonnet-4-0": "anthropic/claude-sonnet-4",
}

var defaultTiers = map[types.Tier]TierModels{
	types.TierSimple: {
		Primary:  "deepseek/deepseek-chat",
		Fallback: []string{"openai/gpt-4o-mini", Free},
	},
	types.TierMedium: {
		Primary:  "openai/gpt-4o-mini",
		Fallback: []string{"google/gemini-2.0-flash", "deepseek/deepseek-chat"},
	},
	types.TierComplex: {
		Primary:  "anthropic/claude-sonnet-4",
		Fallback: []string{"openai/gpt-4o", "moonshotai/kimi-k2"},
	},
	types.TierReasoning: {
		Primary:  "openai/o3",
		Fallback: []string{"deepseek/deepseek-r1", "anthropic/claude-sonnet-4"},
	},
}

// SetTiers replaces the tier tables, e.g. from routing config. Unknown model
// ids are rejected so a bad config cannot route to nowhere.
func (c *Catalog) SetTiers(tiers map[types.Tier]TierModels) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tier, tm := range tiers {
		if _, ok := c.models[tm.Primary]; !ok {
			return fmt.Errorf("tier %s: unknown primary model %q", tier, tm.Primary)
		}
		for _, fb := range tm.Fallback {
			if _, ok := c.models[fb]; !ok {
				return fmt.Errorf("tier %s: unknown fallback model %q", tier, fb)
			}
		}
		c.tiers[tier] = tm
	}
	return nil
}

// Resolve maps a requested model id to a canonical catalog id.
// The known host prefix is stripped and the alias table consulted,
// case-insensitively. Returns AUTO for the auto pseudo-model and ok=false for
// ids that resolve to nothing.
func (c *Catalog) Resolve(requested string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(requested))
	s = strings.TrimPrefix(s, hostPrefix)
	if s == "" || s == AUTO {
		return AUTO, true
	}
	if tier, ok := types.ParseTier(strings.ToUpper(s)); ok {
		// A bare tier keyword routes to that tier's primary.
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.tiers[tier].Primary, true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if id, ok := c.aliases[s]; ok {
		return id, true
	}
	if _, ok := c.models[s]; ok {
		return s, true
	}
	return "", false
}

// Get returns the descriptor for a canonical id.
func (c *Catalog) Get(id string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// Tier returns the ordered model list for a tier.
func (c *Catalog) Tier(tier types.Tier) TierModels {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tiers[tier]
}

// Chain returns the full ordered model chain for a tier: primary first, then
// fallbacks.
func (c *Catalog) Chain(tier types.Tier) []string {
	tm := c.Tier(tier)
	chain := make([]string, 0, 1+len(tm.Fallback))
	chain = append(chain, tm.Primary)
	chain = append(chain, tm.Fallback...)
	return chain
}

// Baseline returns the most expensive reasoning-capable model. Cost savings
// are computed against it.
func (c *Catalog) Baseline() Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best Model
	for _, m := range c.models {
		if !m.Reasoning {
			continue
		}
		if m.InputCost+m.OutputCost > best.InputCost+best.OutputCost {
			best = m
		}
	}
	return best
}

// CheapestWithWindow returns the first model of the tier's chain (primary,
// then fallbacks, in chain order) whose context window fits the given token
// estimate; the chain is searched in order, not by price. When no chain model
// fits, it returns the cheapest fitting model across the whole catalog, ties
// broken by id.
func (c *Catalog) CheapestWithWindow(tier types.Tier, tokens int) (Model, bool) {
	for _, id := range c.Chain(tier) {
		if m, ok := c.Get(id); ok && m.ContextWindow >= tokens {
			return m, true
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	candidates := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		if m.ContextWindow >= tokens {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return Model{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci := candidates[i].InputCost + candidates[i].OutputCost
		cj := candidates[j].InputCost + candidates[j].OutputCost
		if ci != cj {
			return ci < cj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// List returns all models sorted by id, for the /v1/models listing.
func (c *Catalog) List() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
