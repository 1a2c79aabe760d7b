package signature

import "testing"

func TestStoreAndLookup(t *testing.T) {
	c := New(10)
	key := Key("sess-1", "let me think about this")
	c.Store(key, "sig-abc", Claude)

	sig, fam, ok := c.Lookup(key)
	if !ok || sig != "sig-abc" || fam != Claude {
		t.Fatalf("got (%q, %q, %v)", sig, fam, ok)
	}
}

func TestLookupMiss(t *testing.T) {
	c := New(10)
	if _, _, ok := c.Lookup(Key("sess-1", "nothing stored")); ok {
		t.Fatalf("expected a miss")
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	k1, k2, k3 := Key("s", "a"), Key("s", "b"), Key("s", "c")

	c.Store(k1, "sig1", Claude)
	c.Store(k2, "sig2", Claude)
	// touch k1 so k2 becomes the least recently used
	c.Lookup(k1)
	c.Store(k3, "sig3", Gemini)

	if _, _, ok := c.Lookup(k2); ok {
		t.Fatalf("expected k2 to have been evicted")
	}
	if _, _, ok := c.Lookup(k1); !ok {
		t.Fatalf("expected k1 to survive eviction")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
}

func TestStoreEmptySignatureIgnored(t *testing.T) {
	c := New(10)
	key := Key("sess-1", "text")
	c.Store(key, "", Claude)
	if _, _, ok := c.Lookup(key); ok {
		t.Fatalf("empty signature should not be cached")
	}
}
