package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleProfilesYAML = `
providers:
  - id: openai_main
    type: openai
    api_key_env: OPENAI_API_KEY
  - id: anthropic_main
    type: anthropic
    api_key_env: ANTHROPIC_API_KEY
roles:
  - name: worker
    chain:
      - id: worker_fast
        provider: openai_main
        model: gpt-4o-mini
      - id: worker_strong
        provider: anthropic_main
        model: claude-sonnet-4-5
  - name: planner
    chain:
      - id: planner_main
        provider: anthropic_main
        model: claude-sonnet-4-5
`

func writeProfiles(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing profiles: %v", err)
	}
	return path
}

func TestLoadProfiles(t *testing.T) {
	t.Parallel()

	p, err := LoadProfiles(writeProfiles(t, sampleProfilesYAML))
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	chain, ok := p.ChainForRole("worker")
	if !ok {
		t.Fatalf("worker chain missing")
	}
	if len(chain) != 2 {
		t.Fatalf("chain len=%d, want 2", len(chain))
	}
	if chain[0].ID != "worker_fast" || chain[1].ID != "worker_strong" {
		t.Fatalf("chain order wrong: %+v", chain)
	}
	if _, ok := p.ProviderByID("anthropic_main"); !ok {
		t.Fatalf("provider lookup failed")
	}
}

func TestLoadProfilesUnregisteredProvider(t *testing.T) {
	t.Parallel()

	body := strings.Replace(sampleProfilesYAML, "provider: openai_main", "provider: nope", 1)
	_, err := LoadProfiles(writeProfiles(t, body))
	if err == nil {
		t.Fatalf("expected error for unregistered provider")
	}
	if !strings.Contains(err.Error(), "unregistered provider") {
		t.Fatalf("error=%q, want unregistered provider", err)
	}
}

func TestLoadProfilesEmptyChain(t *testing.T) {
	t.Parallel()

	body := `
providers:
  - id: p1
    type: openai
    api_key_env: KEY
roles:
  - name: worker
    chain: []
`
	_, err := LoadProfiles(writeProfiles(t, body))
	if err == nil || !strings.Contains(err.Error(), "empty escalation chain") {
		t.Fatalf("err=%v, want empty escalation chain", err)
	}
}

func TestLimitsNormalized(t *testing.T) {
	t.Parallel()

	l := Limits{}.Normalized()
	if l.MaxSteps != DefaultMaxSteps {
		t.Fatalf("MaxSteps=%d, want %d", l.MaxSteps, DefaultMaxSteps)
	}
	if l.CircuitThreshold != DefaultCircuitThreshold {
		t.Fatalf("CircuitThreshold=%d, want %d", l.CircuitThreshold, DefaultCircuitThreshold)
	}

	l = Limits{MaxSteps: 2}.Normalized()
	if l.MaxSteps != 2 {
		t.Fatalf("MaxSteps=%d, want explicit 2 preserved", l.MaxSteps)
	}
}
