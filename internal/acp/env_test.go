package acp

import (
	"slices"
	"testing"
)

func TestEnvToken(t *testing.T) {
	tests := []struct {
		name     string
		methodID string
		want     string
	}{
		{"simple", "token", "TOKEN"},
		{"hyphenated", "api-key", "API_KEY"},
		{"mixed case", "ApiKey", "APIKEY"},
		{"dots and slashes", "claude.ai/oauth", "CLAUDE_AI_OAUTH"},
		{"digits kept", "key2", "KEY2"},
		{"leading punctuation dropped", "--token", "TOKEN"},
		{"trailing punctuation dropped", "token--", "TOKEN"},
		{"runs collapse", "a--b..c", "A_B_C"},
		{"empty", "", ""},
		{"only punctuation", "---", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EnvToken(tt.methodID); got != tt.want {
				t.Errorf("EnvToken(%q) = %q, want %q", tt.methodID, got, tt.want)
			}
		})
	}
}

func TestComposeEnv(t *testing.T) {
	parent := []string{"PATH=/usr/bin", "HOME=/home/u"}

	env := ComposeEnv(parent, map[string]string{"api-key": "s3cret"})

	for _, want := range []string{
		"PATH=/usr/bin",
		"HOME=/home/u",
		"api-key=s3cret",
		"API_KEY=s3cret",
		"ACPX_AUTH_API_KEY=s3cret",
	} {
		if !slices.Contains(env, want) {
			t.Errorf("ComposeEnv missing %q in %v", want, env)
		}
	}
}

func TestComposeEnvParentWins(t *testing.T) {
	parent := []string{"API_KEY=from-shell"}

	env := ComposeEnv(parent, map[string]string{"api-key": "from-config"})

	if slices.Contains(env, "API_KEY=from-config") {
		t.Errorf("credential overrode the parent environment: %v", env)
	}
	if !slices.Contains(env, "API_KEY=from-shell") {
		t.Errorf("parent value lost: %v", env)
	}
	// The other names are still published.
	if !slices.Contains(env, "ACPX_AUTH_API_KEY=from-config") {
		t.Errorf("namespaced form missing: %v", env)
	}
}

func TestComposeEnvSkipsEmptyValues(t *testing.T) {
	env := ComposeEnv(nil, map[string]string{"token": ""})
	if len(env) != 0 {
		t.Errorf("empty credential should add nothing, got %v", env)
	}
}

func TestComposeEnvDeterministicOrder(t *testing.T) {
	creds := map[string]string{"b-key": "2", "a-key": "1"}
	first := ComposeEnv(nil, creds)
	for i := 0; i < 10; i++ {
		if again := ComposeEnv(nil, creds); !slices.Equal(first, again) {
			t.Fatalf("ComposeEnv order changed between calls: %v vs %v", first, again)
		}
	}
	// Sorted by method id: every a-key name precedes every b-key name.
	aIdx, bIdx := -1, -1
	for i, kv := range first {
		if kv == "a-key=1" {
			aIdx = i
		}
		if kv == "b-key=2" {
			bIdx = i
		}
	}
	if aIdx == -1 || bIdx == -1 || aIdx > bIdx {
		t.Errorf("expected a-key before b-key, got %v", first)
	}
}

func TestResolveCredential(t *testing.T) {
	t.Run("from config map by method id", func(t *testing.T) {
		got, ok := ResolveCredential("zz-test-key", map[string]string{"zz-test-key": "v1"})
		if !ok || got != "v1" {
			t.Errorf("got (%q, %v), want (v1, true)", got, ok)
		}
	})

	t.Run("from config map by env token", func(t *testing.T) {
		got, ok := ResolveCredential("zz-test-key", map[string]string{"ZZ_TEST_KEY": "v2"})
		if !ok || got != "v2" {
			t.Errorf("got (%q, %v), want (v2, true)", got, ok)
		}
	})

	t.Run("environment wins over config", func(t *testing.T) {
		t.Setenv("ACPX_AUTH_ZZ_TEST_KEY", "from-env")
		got, ok := ResolveCredential("zz-test-key", map[string]string{"zz-test-key": "from-config"})
		if !ok || got != "from-env" {
			t.Errorf("got (%q, %v), want (from-env, true)", got, ok)
		}
	})

	t.Run("missing", func(t *testing.T) {
		got, ok := ResolveCredential("zz-test-key", nil)
		if ok || got != "" {
			t.Errorf("got (%q, %v), want (\"\", false)", got, ok)
		}
	})

	t.Run("empty values ignored", func(t *testing.T) {
		got, ok := ResolveCredential("zz-test-key", map[string]string{"zz-test-key": ""})
		if ok || got != "" {
			t.Errorf("got (%q, %v), want (\"\", false)", got, ok)
		}
	})
}
