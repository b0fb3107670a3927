package config

import (
	"slices"

	"github.com/armon/go-radix"

	"github.com/richinex/rolecall/llm"
	"github.com/richinex/rolecall/role"
)

// ModelInfo is what the catalog knows about one model id.
type ModelInfo struct {
	Provider     string
	MaxTokens    uint32
	AllowedRoles []role.Role
	Capabilities llm.Capabilities
}

// Allows reports whether the model may serve r. An empty list allows all roles.
func (m ModelInfo) Allows(r role.Role) bool {
	return len(m.AllowedRoles) == 0 || slices.Contains(m.AllowedRoles, r)
}

// Catalog maps model ids to their limits and capabilities.
type Catalog map[string]ModelInfo

var (
	everyRole   = []role.Role{role.Main, role.Research, role.Fallback}
	noResearch  = []role.Role{role.Main, role.Fallback}
	fullSupport = llm.Capabilities{Temperature: true, StructuredOutput: true}
	reasoning   = llm.Capabilities{Temperature: false, StructuredOutput: true}
)

// DefaultCatalog returns the built-in model catalog.
func DefaultCatalog() Catalog {
	return Catalog{
		llm.ModelClaudeOpus45:  {Provider: "anthropic", MaxTokens: 64000, AllowedRoles: everyRole, Capabilities: fullSupport},
		llm.ModelClaudeSonnet4: {Provider: "anthropic", MaxTokens: 64000, AllowedRoles: everyRole, Capabilities: fullSupport},
		llm.ModelClaudeHaiku4:  {Provider: "anthropic", MaxTokens: 8192, AllowedRoles: noResearch, Capabilities: fullSupport},
		llm.ModelGPT4o:         {Provider: "openai", MaxTokens: 16384, AllowedRoles: everyRole, Capabilities: fullSupport},
		llm.ModelGPT4oMini:     {Provider: "openai", MaxTokens: 16384, AllowedRoles: noResearch, Capabilities: fullSupport},
		llm.ModelO3Mini:        {Provider: "openai", MaxTokens: 100000, AllowedRoles: noResearch, Capabilities: reasoning},
		llm.ModelO1:            {Provider: "openai", MaxTokens: 100000, AllowedRoles: noResearch, Capabilities: reasoning},
		llm.ModelDeepSeekChat:  {Provider: "deepseek", MaxTokens: 8192, AllowedRoles: noResearch, Capabilities: fullSupport},
		llm.ModelDeepSeekReasoner: {
			Provider:     "deepseek",
			MaxTokens:    8192,
			AllowedRoles: noResearch,
			Capabilities: llm.Capabilities{Temperature: false, StructuredOutput: false, SchemaInPrompt: true},
		},
		llm.ModelGeminiFlash25: {Provider: "gemini", MaxTokens: 65536, AllowedRoles: everyRole, Capabilities: fullSupport},
		llm.ModelGeminiPro25:   {Provider: "gemini", MaxTokens: 65536, AllowedRoles: everyRole, Capabilities: fullSupport},
	}
}

// Lookup returns the catalog entry for model. Dated or suffixed ids such as
// "gpt-4o-2024-08-06" fall back to the longest catalog id that prefixes them
// at a '-' boundary.
func (c Catalog) Lookup(model string) (ModelInfo, bool) {
	if info, ok := c[model]; ok {
		return info, true
	}

	tree := radix.New()
	for id := range c {
		tree.Insert(id, struct{}{})
	}

	best := ""
	tree.WalkPath(model, func(id string, _ interface{}) bool {
		if len(id) < len(model) && model[len(id)] == '-' {
			best = id
		}
		return false
	})
	if best == "" {
		return ModelInfo{}, false
	}
	return c[best], true
}

// merge returns a copy of c with extra entries added or replaced.
func (c Catalog) merge(extra Catalog) Catalog {
	out := make(Catalog, len(c)+len(extra))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
