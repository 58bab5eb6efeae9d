package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	aliases := NewAliases(DefaultAliases(), DefaultModels())

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"resolve known alias", "quality", "claude-sonnet-4-20250514"},
		{"resolve another alias", "cheap", "gemini-2.0-flash"},
		{"unknown alias returns input unchanged", "unknown-model", "unknown-model"},
		{"catalog id returns unchanged", "gpt-4o", "gpt-4o"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aliases.Resolve(tt.input); got != tt.expected {
				t.Errorf("Resolve(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestResolve_NilAliases(t *testing.T) {
	var aliases *ModelAliases
	if got := aliases.Resolve("quality"); got != "quality" {
		t.Errorf("Resolve on nil should return input, got %q", got)
	}
}

func TestIsAlias(t *testing.T) {
	aliases := &ModelAliases{Aliases: map[string]string{"mini": "gpt-4o-mini"}}

	if !aliases.IsAlias("mini") {
		t.Error("IsAlias should return true for known alias")
	}
	if aliases.IsAlias("unknown") {
		t.Error("IsAlias should return false for unknown alias")
	}
	if aliases.IsAlias("gpt-4o-mini") {
		t.Error("IsAlias should return false for catalog id")
	}
}

func TestDefaultAliasesPointIntoCatalog(t *testing.T) {
	aliases := NewAliases(DefaultAliases(), DefaultModels())
	for alias, id := range aliases.ListAliases() {
		if aliases.GetProviderForModel(id) == "" {
			t.Errorf("alias %q points at %q, which is not in the default catalog", alias, id)
		}
	}
}

func TestValidateModel(t *testing.T) {
	aliases := NewAliases(nil, DefaultModels())

	tests := []struct {
		name      string
		provider  string
		model     string
		wantError bool
	}{
		{"valid model for provider", "openai", "gpt-4o-mini", false},
		{"another valid model", "anthropic", "claude-sonnet-4-20250514", false},
		{"model from another provider", "openai", "claude-sonnet-4-20250514", true},
		{"unknown provider", "unknown", "some-model", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := aliases.ValidateModel(tt.provider, tt.model)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateModel(%q, %q) error = %v, wantError %v", tt.provider, tt.model, err, tt.wantError)
			}
		})
	}
}

func TestListProviders(t *testing.T) {
	got := NewAliases(nil, DefaultModels()).ListProviders()
	want := []string{"anthropic", "deepseek", "google", "openai"}
	if len(got) != len(want) {
		t.Fatalf("ListProviders() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListProviders() = %v, want %v", got, want)
		}
	}
}

func TestValidatePins(t *testing.T) {
	aliases := NewAliases(DefaultAliases(), DefaultModels())
	errs := aliases.ValidatePins(map[string]string{
		"reasoning":       "quality",
		"code_generation": "deepseek-chat",
		"research":        "imaginary-model",
	})
	if len(errs) != 1 {
		t.Fatalf("expected one invalid pin, got %v", errs)
	}
}

func TestLoadAliases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")

	content := `aliases:
  mini: gpt-4o-mini
  quality: claude-sonnet-4-20250514

providers:
  openai:
    - gpt-4o-mini
  anthropic:
    - claude-sonnet-4-20250514
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	aliases, err := LoadAliases(path)
	if err != nil {
		t.Fatalf("LoadAliases() error = %v", err)
	}
	if aliases.Resolve("mini") != "gpt-4o-mini" {
		t.Error("alias 'mini' should resolve to 'gpt-4o-mini'")
	}
	if aliases.GetProviderForModel("gpt-4o-mini") != "openai" {
		t.Error("gpt-4o-mini should be in openai provider")
	}
}

func TestLoadMergesAliasesFile(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("engine:\n  max_parallel: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "models.yaml"), []byte("aliases:\n  coder: deepseek-chat\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	aliases := cfg.ModelAliases()
	if aliases.Resolve("coder") != "deepseek-chat" {
		t.Error("alias from models.yaml should resolve")
	}
	if aliases.Resolve("quality") != "claude-sonnet-4-20250514" {
		t.Error("default aliases should survive the merge")
	}
}

func TestLoadAliases_FileNotFound(t *testing.T) {
	if _, err := LoadAliases("/nonexistent/path/models.yaml"); err == nil {
		t.Error("LoadAliases should error for nonexistent file")
	}
}
