package handle

import "testing"

func TestRegisterLookupDecref(t *testing.T) {
	tb := New()
	id := tb.Register(KindDataset, "payload")

	kind, payload, err := tb.Lookup(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if kind != KindDataset || payload != "payload" {
		t.Fatalf("got (%v, %v)", kind, payload)
	}

	removed, err := tb.Decref(id)
	if err != nil {
		t.Fatalf("decref: %v", err)
	}
	if !removed {
		t.Fatalf("expected the handle to be removed at refcount 0")
	}
	if _, _, err := tb.Lookup(id); err == nil {
		t.Fatalf("expected lookup to fail after removal")
	}
}

func TestIncrefKeepsHandleAliveUntilBalanced(t *testing.T) {
	tb := New()
	id := tb.Register(KindFile, nil)
	if err := tb.Incref(id); err != nil {
		t.Fatalf("incref: %v", err)
	}

	removed, err := tb.Decref(id)
	if err != nil || removed {
		t.Fatalf("expected handle to survive first decref, removed=%v err=%v", removed, err)
	}
	removed, err = tb.Decref(id)
	if err != nil || !removed {
		t.Fatalf("expected handle to be removed on second decref, removed=%v err=%v", removed, err)
	}
}

func TestDecrefUnknownIDFails(t *testing.T) {
	tb := New()
	if _, err := tb.Decref(ID(999)); err == nil {
		t.Fatalf("expected an error for an unknown id")
	}
}
