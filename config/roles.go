package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/richinex/rolecall/llm"
	"github.com/richinex/rolecall/role"
)

// Resolution failures. Each ends the attempt for one role only.
var (
	ErrRoleNotConfigured = errors.New("role not configured")
	ErrUnsupportedModel  = errors.New("model not supported for role")
	ErrMissingAPIKey     = errors.New("missing API key")
)

// RoleConfig is the backend assignment for one role.
type RoleConfig struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"baseURL"`
	MaxTokens   uint32   `yaml:"maxTokens"`
	Temperature *float64 `yaml:"temperature"`
}

// Settings holds the role assignments and the model catalog.
type Settings struct {
	Roles   map[role.Role]RoleConfig
	Catalog Catalog
}

type fileCapabilities struct {
	Temperature      *bool `yaml:"temperature"`
	StructuredOutput *bool `yaml:"structuredOutput"`
	SchemaInPrompt   bool  `yaml:"schemaInPrompt"`
}

type fileModel struct {
	Provider     string            `yaml:"provider"`
	MaxTokens    uint32            `yaml:"maxTokens"`
	AllowedRoles []string          `yaml:"allowedRoles"`
	Capabilities *fileCapabilities `yaml:"capabilities"`
}

type file struct {
	Roles  map[string]RoleConfig `yaml:"roles"`
	Models map[string]fileModel  `yaml:"models"`
}

// DefaultRoles is used for roles neither the file nor the environment sets.
func DefaultRoles() map[role.Role]RoleConfig {
	return map[role.Role]RoleConfig{
		role.Main:     {Provider: "anthropic"},
		role.Research: {Provider: "gemini"},
		role.Fallback: {Provider: "openai"},
	}
}

// Load reads settings from path (optional, "" skips the file) and applies
// environment overrides.
func Load(path string) (Settings, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		data = b
	}
	return Parse(data)
}

// Parse builds settings from YAML data and applies environment overrides.
func Parse(data []byte) (Settings, error) {
	var f file
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	settings := Settings{
		Roles:   DefaultRoles(),
		Catalog: DefaultCatalog(),
	}

	for name, rc := range f.Roles {
		r, ok := role.Parse(name)
		if !ok {
			return Settings{}, fmt.Errorf("unknown role in config: %q", name)
		}
		settings.Roles[r] = rc
	}

	extra, err := f.catalog()
	if err != nil {
		return Settings{}, err
	}
	settings.Catalog = settings.Catalog.merge(extra)

	if err := settings.applyEnv(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (f file) catalog() (Catalog, error) {
	out := make(Catalog, len(f.Models))
	for id, m := range f.Models {
		info := ModelInfo{
			Provider:     NormalizeProvider(m.Provider),
			MaxTokens:    m.MaxTokens,
			Capabilities: llm.DefaultCapabilities(),
		}
		for _, name := range m.AllowedRoles {
			r, ok := role.Parse(name)
			if !ok {
				return nil, fmt.Errorf("model %s: unknown role %q", id, name)
			}
			info.AllowedRoles = append(info.AllowedRoles, r)
		}
		if c := m.Capabilities; c != nil {
			if c.Temperature != nil {
				info.Capabilities.Temperature = *c.Temperature
			}
			if c.StructuredOutput != nil {
				info.Capabilities.StructuredOutput = *c.StructuredOutput
			}
			info.Capabilities.SchemaInPrompt = c.SchemaInPrompt
		}
		out[id] = info
	}
	return out, nil
}

// applyEnv overlays <ROLE>_* environment variables onto the role table.
func (s *Settings) applyEnv() error {
	for _, r := range role.All() {
		prefix := strings.ToUpper(string(r)) + "_"
		rc := s.Roles[r]

		if v := os.Getenv(prefix + "PROVIDER"); v != "" {
			if NormalizeProvider(v) != NormalizeProvider(rc.Provider) {
				// a new provider invalidates a model chosen for the old one
				rc.Model = ""
			}
			rc.Provider = v
		}
		if v := os.Getenv(prefix + "MODEL"); v != "" {
			rc.Model = v
		}
		if v := os.Getenv(prefix + "BASE_URL"); v != "" {
			rc.BaseURL = v
		}

		maxTokens, err := getEnvUint32(prefix+"MAX_TOKENS", rc.MaxTokens)
		if err != nil {
			return err
		}
		rc.MaxTokens = maxTokens

		temperature, err := getEnvFloat64(prefix + "TEMPERATURE")
		if err != nil {
			return err
		}
		if temperature != nil {
			rc.Temperature = temperature
		}

		s.Roles[r] = rc
	}
	return nil
}

// Resolved is the backend configuration for one role attempt.
type Resolved struct {
	Role         role.Role
	BackendID    string
	ModelID      string
	Params       llm.CallParams
	Capabilities llm.Capabilities
}

// Resolve returns the backend configuration for r. Errors wrap
// ErrRoleNotConfigured, ErrUnsupportedModel or ErrMissingAPIKey.
func (s Settings) Resolve(r role.Role) (Resolved, error) {
	rc, ok := s.Roles[r]
	if !ok || rc.Provider == "" {
		return Resolved{}, fmt.Errorf("%w: %s", ErrRoleNotConfigured, r)
	}

	provider := NormalizeProvider(rc.Provider)
	if _, err := getProviderInfo(provider); err != nil {
		return Resolved{}, fmt.Errorf("%w: %s: %v", ErrRoleNotConfigured, r, err)
	}

	model := rc.Model
	if model == "" {
		m, err := ModelFor(provider)
		if err != nil {
			return Resolved{}, err
		}
		model = m
	}

	maxTokens := rc.MaxTokens
	if maxTokens == 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	caps := llm.DefaultCapabilities()

	if info, ok := s.Catalog.Lookup(model); ok {
		if !info.Allows(r) {
			return Resolved{}, fmt.Errorf("%w: %s does not serve the %s role", ErrUnsupportedModel, model, r)
		}
		if info.MaxTokens > 0 && maxTokens > info.MaxTokens {
			maxTokens = info.MaxTokens
		}
		caps = info.Capabilities
	}

	apiKey, err := APIKeyFor(provider)
	if err != nil {
		return Resolved{}, fmt.Errorf("%s role: %w", r, err)
	}

	baseURL := rc.BaseURL
	if baseURL == "" {
		baseURL = BaseURLFor(provider)
	}

	return Resolved{
		Role:      r,
		BackendID: provider,
		ModelID:   model,
		Params: llm.CallParams{
			APIKey:      apiKey,
			BaseURL:     baseURL,
			Model:       model,
			MaxTokens:   maxTokens,
			Temperature: rc.Temperature,
		},
		Capabilities: caps,
	}, nil
}

// Resolver reloads settings on every call so each attempt sees the current
// file and environment.
type Resolver struct {
	path string
}

// NewResolver creates a resolver for the roles file at path ("" for env only).
func NewResolver(path string) *Resolver {
	return &Resolver{path: path}
}

// Resolve loads settings and resolves r.
func (r *Resolver) Resolve(ro role.Role) (Resolved, error) {
	settings, err := Load(r.path)
	if err != nil {
		return Resolved{}, err
	}
	return settings.Resolve(ro)
}
