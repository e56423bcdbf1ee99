package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profiles is the YAML-backed model routing configuration.
//
// Each logical role owns an ordered escalation chain of profiles, weakest
// first. A profile binds a provider id and a model name; providers own the
// endpoint and the env var that carries their API key.
//
// Secrets (API keys) never live in this file, only the env var names do.
type Profiles struct {
	Providers []Provider `yaml:"providers"`
	Roles     []Role     `yaml:"roles"`
}

type Provider struct {
	// ID is a stable internal id (primary key for profile references).
	ID string `yaml:"id"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
}

type Role struct {
	// Name is the logical role ("worker", "planner", ...).
	Name string `yaml:"name"`

	// Chain is the escalation chain, ordered weakest to strongest.
	Chain []Profile `yaml:"chain"`
}

type Profile struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

const (
	ProviderTypeOpenAI           = "openai"
	ProviderTypeAnthropic        = "anthropic"
	ProviderTypeOpenAICompatible = "openai_compatible"
)

func LoadProfiles(path string) (*Profiles, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profiles
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profiles: %w", err)
	}
	return &p, nil
}

// Validate rejects the whole file on the first inconsistency. A profile that
// points at an unregistered provider is a configuration error, never a
// candidate for silent substitution.
func (p *Profiles) Validate() error {
	if p == nil {
		return errors.New("nil profiles")
	}
	if len(p.Providers) == 0 {
		return errors.New("no providers configured")
	}
	providerIDs := make(map[string]struct{}, len(p.Providers))
	for i := range p.Providers {
		prov := &p.Providers[i]
		prov.ID = strings.TrimSpace(prov.ID)
		prov.Type = strings.TrimSpace(prov.Type)
		prov.BaseURL = strings.TrimSpace(prov.BaseURL)
		prov.APIKeyEnv = strings.TrimSpace(prov.APIKeyEnv)
		if prov.ID == "" {
			return fmt.Errorf("provider #%d: missing id", i)
		}
		if _, dup := providerIDs[prov.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", prov.ID)
		}
		providerIDs[prov.ID] = struct{}{}
		switch prov.Type {
		case ProviderTypeOpenAI, ProviderTypeAnthropic:
		case ProviderTypeOpenAICompatible:
			if prov.BaseURL == "" {
				return fmt.Errorf("provider %q: openai_compatible requires base_url", prov.ID)
			}
		default:
			return fmt.Errorf("provider %q: unknown type %q", prov.ID, prov.Type)
		}
		if prov.APIKeyEnv == "" {
			return fmt.Errorf("provider %q: missing api_key_env", prov.ID)
		}
	}

	if len(p.Roles) == 0 {
		return errors.New("no roles configured")
	}
	roleNames := make(map[string]struct{}, len(p.Roles))
	profileIDs := make(map[string]struct{})
	for i := range p.Roles {
		role := &p.Roles[i]
		role.Name = strings.TrimSpace(role.Name)
		if role.Name == "" {
			return fmt.Errorf("role #%d: missing name", i)
		}
		if _, dup := roleNames[role.Name]; dup {
			return fmt.Errorf("duplicate role %q", role.Name)
		}
		roleNames[role.Name] = struct{}{}
		if len(role.Chain) == 0 {
			return fmt.Errorf("role %q: empty escalation chain", role.Name)
		}
		for j := range role.Chain {
			prof := &role.Chain[j]
			prof.ID = strings.TrimSpace(prof.ID)
			prof.Provider = strings.TrimSpace(prof.Provider)
			prof.Model = strings.TrimSpace(prof.Model)
			if prof.ID == "" {
				return fmt.Errorf("role %q chain #%d: missing profile id", role.Name, j)
			}
			if _, dup := profileIDs[prof.ID]; dup {
				return fmt.Errorf("duplicate profile id %q", prof.ID)
			}
			profileIDs[prof.ID] = struct{}{}
			if _, ok := providerIDs[prof.Provider]; !ok {
				return fmt.Errorf("role %q profile %q: unregistered provider %q", role.Name, prof.ID, prof.Provider)
			}
			if prof.Model == "" {
				return fmt.Errorf("role %q profile %q: missing model", role.Name, prof.ID)
			}
		}
	}
	return nil
}

// ProviderByID looks up a provider registration.
func (p *Profiles) ProviderByID(id string) (Provider, bool) {
	if p == nil {
		return Provider{}, false
	}
	id = strings.TrimSpace(id)
	for _, prov := range p.Providers {
		if prov.ID == id {
			return prov, true
		}
	}
	return Provider{}, false
}

// ChainForRole returns the escalation chain for a role.
func (p *Profiles) ChainForRole(role string) ([]Profile, bool) {
	if p == nil {
		return nil, false
	}
	role = strings.TrimSpace(role)
	for _, r := range p.Roles {
		if r.Name == role {
			out := make([]Profile, len(r.Chain))
			copy(out, r.Chain)
			return out, true
		}
	}
	return nil, false
}
