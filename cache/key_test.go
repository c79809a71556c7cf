package cache

import "testing"

func TestStructuralHashIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"url": "u", "port": float64(8080)}
	b := map[string]any{"port": float64(8080), "url": "u"}

	hashA, err := StructuralHash(a)
	if err != nil {
		t.Fatalf("StructuralHash(a): %v", err)
	}
	hashB, err := StructuralHash(b)
	if err != nil {
		t.Fatalf("StructuralHash(b): %v", err)
	}
	if hashA != hashB {
		t.Errorf("expected identical hashes for structurally-equal configs with different key order, got %q and %q", hashA, hashB)
	}
}

func TestStructuralHashDiffersForDifferentContent(t *testing.T) {
	a := map[string]any{"url": "u1"}
	b := map[string]any{"url": "u2"}

	hashA, _ := StructuralHash(a)
	hashB, _ := StructuralHash(b)
	if hashA == hashB {
		t.Errorf("expected different hashes for different config content")
	}
}

func TestKeyCombinesPluginIDAndHash(t *testing.T) {
	key, err := Key("my-plugin", map[string]any{"a": "b"})
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if len(key) <= len("my-plugin:") {
		t.Fatalf("expected key to carry a hash suffix, got %q", key)
	}
	if key[:len("my-plugin:")] != "my-plugin:" {
		t.Errorf("expected key to start with %q, got %q", "my-plugin:", key)
	}
}

func TestStructuralHashNestedStructures(t *testing.T) {
	a := map[string]any{"list": []any{"x", "y"}, "nested": map[string]any{"z": float64(1)}}
	b := map[string]any{"nested": map[string]any{"z": float64(1)}, "list": []any{"x", "y"}}

	hashA, err := StructuralHash(a)
	if err != nil {
		t.Fatalf("StructuralHash(a): %v", err)
	}
	hashB, err := StructuralHash(b)
	if err != nil {
		t.Fatalf("StructuralHash(b): %v", err)
	}
	if hashA != hashB {
		t.Errorf("expected identical hashes for nested structurally-equal configs")
	}
}
