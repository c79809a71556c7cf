// Package secrets implements the template-substitution hydrator described
// in spec section 4.3: pure, non-mutating, deterministic substitution of
// "{{NAME}}" tokens over a JSON-shaped configuration tree. Grounded on the
// teacher's config-merge idiom (app/conf.go builds a fresh, merged config
// value rather than mutating the one it was given) and on dario.cat/mergo,
// the teacher's indirect dependency promoted here for building a
// non-destructive hydrated-defaults overlay.
package secrets

import (
	"regexp"

	"dario.cat/mergo"
)

// tokenPattern matches "{{NAME}}" with NAME made of word characters, the
// same shape spec section 4.3 describes.
var tokenPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// Hydrate walks cfg recursively, substituting "{{NAME}}" occurrences in
// every string leaf with secrets["NAME"] when present; unknown tokens are
// left verbatim. Sequences and maps are copied, never mutated in place, so
// the same cfg value can be hydrated repeatedly (the idempotence property
// in spec section 8).
func Hydrate(cfg any, secretValues map[string]string) any {
	return hydrateValue(cfg, secretValues)
}

func hydrateValue(v any, secretValues map[string]string) any {
	switch t := v.(type) {
	case string:
		return hydrateString(t, secretValues)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = hydrateValue(child, secretValues)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = hydrateValue(child, secretValues)
		}
		return out
	default:
		return v
	}
}

func hydrateString(s string, secretValues map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := tokenPattern.FindStringSubmatch(token)[1]
		if val, ok := secretValues[name]; ok {
			return val
		}
		return token
	})
}

// HydrateVariables hydrates a variables tree against a flat secrets map,
// applying defaults (values present in defaults but absent from the
// hydrated result) via a non-destructive merge, mirroring how config
// overlays are composed in the teacher's configuration layer.
func HydrateVariables(variables map[string]any, secretValues map[string]string, defaults map[string]any) (map[string]any, error) {
	hydrated, _ := hydrateValue(variables, secretValues).(map[string]any)
	if hydrated == nil {
		hydrated = map[string]any{}
	}
	if len(defaults) == 0 {
		return hydrated, nil
	}
	merged := make(map[string]any, len(hydrated))
	for k, v := range hydrated {
		merged[k] = v
	}
	if err := mergo.Merge(&merged, defaults); err != nil {
		return nil, err
	}
	return merged, nil
}
