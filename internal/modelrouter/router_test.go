package modelrouter

import "testing"

func TestResolvePrefersUserMappingOverAlias(t *testing.T) {
	r := New()
	r.SetMapping("gpt-4o", "gemini-2.5-flash")

	if got := r.Resolve("gpt-4o"); got != "gemini-2.5-flash" {
		t.Fatalf("Resolve() = %q, want user mapping to win", got)
	}
}

func TestResolveFallsBackToBuiltinAlias(t *testing.T) {
	r := New()

	if got := r.Resolve("gpt-4o"); got != "gemini-2.5-pro" {
		t.Fatalf("Resolve() = %q, want built-in alias", got)
	}
}

func TestResolveUnknownModelIsIdentity(t *testing.T) {
	r := New()

	if got := r.Resolve("my-custom-model"); got != "my-custom-model" {
		t.Fatalf("Resolve() = %q, want unchanged client model", got)
	}
}

func TestSetMappingEmptyUpstreamRemovesEntry(t *testing.T) {
	r := New()
	r.SetMapping("gpt-4o", "gemini-2.5-flash")
	r.SetMapping("gpt-4o", "")

	if got := r.Resolve("gpt-4o"); got != "gemini-2.5-pro" {
		t.Fatalf("Resolve() = %q, want fallback to built-in alias after removal", got)
	}
}

func TestKnownModelsIncludesAliasesAndMappings(t *testing.T) {
	r := New()
	r.SetMapping("my-alias", "gemini-experimental")

	ids := r.KnownModels()

	want := map[string]bool{"gpt-4o": true, "gemini-2.5-pro": true, "my-alias": true, "gemini-experimental": true}
	found := make(map[string]bool)
	for _, id := range ids {
		found[id] = true
	}
	for id := range want {
		if !found[id] {
			t.Fatalf("KnownModels() missing %q, got %v", id, ids)
		}
	}
}

func TestKnownModelsIsSorted(t *testing.T) {
	r := New()
	ids := r.KnownModels()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] > ids[i] {
			t.Fatalf("KnownModels() not sorted: %v", ids)
		}
	}
}
