// Package cache implements the configuration-keyed instance cache from
// spec section 3 ("Cache entry") and section 4.1: bounded capacity, TTL,
// and single-flight coalescing of concurrent misses. Grounded on
// app/cache/manager.go and cache/cache.go in the teacher, which pair a
// capacity/TTL-bounded map with exactly this kind of coalesced lookup.
package cache

import (
	"encoding/hex"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// StructuralHash computes the deterministic fingerprint described in spec
// section 3: "deterministic over the structural shape of the config (keys
// in any order produce the same hash; primitive values compared by
// value)". The config is first canonicalized into plain JSON-ish values via
// mapstructure (so callers may pass structs, not just maps), then encoded
// as a protobuf Struct with deterministic marshaling -- which sorts map
// keys -- before being digested with blake2b. Using protobuf's own
// deterministic-marshal guarantee, rather than hand-rolling a canonical-JSON
// writer, is what makes key ordering irrelevant without extra bookkeeping.
func StructuralHash(config any) (string, error) {
	normalized, err := canonicalize(config)
	if err != nil {
		return "", fmt.Errorf("cache: canonicalize config: %w", err)
	}
	s, err := structpb.NewStruct(normalized)
	if err != nil {
		return "", fmt.Errorf("cache: encode config as struct: %w", err)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("cache: marshal config: %w", err)
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Key builds the "{pluginId}:{structuralHash(config)}" cache key from spec
// section 3.
func Key(pluginID string, config any) (string, error) {
	hash, err := StructuralHash(config)
	if err != nil {
		return "", err
	}
	return pluginID + ":" + hash, nil
}

// canonicalize decodes an arbitrary Go value (struct, map, or already
// JSON-shaped tree) into a map[string]any suitable for structpb, using
// mapstructure the way the teacher's config layer decodes arbitrary
// sources into plain maps.
func canonicalize(config any) (map[string]any, error) {
	if m, ok := config.(map[string]any); ok {
		return deepPlain(m), nil
	}
	var out map[string]any
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &out})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(config); err != nil {
		return nil, err
	}
	return deepPlain(out), nil
}

// deepPlain recursively copies a map[string]any tree, descending into
// nested map[string]any and []any values and converting int/int64 leaves to
// float64. Other values, including map[any]any and typed slices such as
// []string, pass through unchanged, and structpb.NewStruct rejects those it
// cannot encode.
func deepPlain(v any) map[string]any {
	out := make(map[string]any, len(v.(map[string]any)))
	for k, val := range v.(map[string]any) {
		out[k] = plainValue(val)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepPlain(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
