package acp

import (
	"os"
	"sort"
	"strings"
	"unicode"
)

// AuthEnvPrefix is the namespaced form under which credentials are
// exposed to agent subprocesses.
const AuthEnvPrefix = "ACPX_AUTH_"

// EnvToken converts an auth method id into an environment variable name:
// letters uppercased, runs of everything else collapsed to a single
// underscore. "api-key" becomes "API_KEY".
func EnvToken(methodID string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range methodID {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
		case !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// envNames returns the three names a credential is published under.
func envNames(methodID string) []string {
	token := EnvToken(methodID)
	names := []string{methodID}
	if token != "" && token != methodID {
		names = append(names, token)
	}
	if token != "" {
		names = append(names, AuthEnvPrefix+token)
	}
	return names
}

// ComposeEnv builds the agent child environment: the parent environment
// plus each configured credential under its method id, its env token and
// the ACPX_AUTH_ namespaced token. Names already present in the parent
// environment are left alone so the user's shell always wins.
func ComposeEnv(parent []string, credentials map[string]string) []string {
	present := make(map[string]bool, len(parent))
	for _, kv := range parent {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			present[kv[:idx]] = true
		}
	}

	env := append([]string(nil), parent...)

	methodIDs := make([]string, 0, len(credentials))
	for id := range credentials {
		methodIDs = append(methodIDs, id)
	}
	sort.Strings(methodIDs)

	for _, id := range methodIDs {
		value := credentials[id]
		if value == "" {
			continue
		}
		for _, name := range envNames(id) {
			if present[name] {
				continue
			}
			env = append(env, name+"="+value)
			present[name] = true
		}
	}
	return env
}

// ResolveCredential finds the credential for an advertised auth method:
// the process environment is consulted first (method id, env token, then
// the ACPX_AUTH_ form), then the configured credential map keyed by
// method id or env token.
func ResolveCredential(methodID string, credentials map[string]string) (string, bool) {
	token := EnvToken(methodID)
	names := []string{methodID}
	if token != "" {
		names = append(names, token, AuthEnvPrefix+token)
	}
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v, true
		}
	}
	if v, ok := credentials[methodID]; ok && v != "" {
		return v, true
	}
	if token != "" {
		if v, ok := credentials[token]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}
