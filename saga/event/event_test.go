package event

import (
	"testing"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	type payload struct {
		B int    `json:"b"`
		A string `json:"a"`
	}

	got, err := CanonicalJSON(payload{B: 2, A: "x"})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":"x","b":2}`
	if string(got) != want {
		t.Errorf("CanonicalJSON = %s, want %s", got, want)
	}
}

func TestCanonicalJSONStableAcrossMapOrder(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"x": 1, "y": 2, "z": 3})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	b, err := CanonicalJSON(map[string]any{"z": 3, "y": 2, "x": 1})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("equal maps canonicalize differently: %s vs %s", a, b)
	}
}

func TestCanonicalJSONPreservesNumericLiterals(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"big": int64(9007199254740993)})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"big":9007199254740993}`
	if string(got) != want {
		t.Errorf("CanonicalJSON = %s, want %s (literal must not pass through float64)", got, want)
	}
}

func TestComputeHashChaining(t *testing.T) {
	payload := []byte(`{"a":1}`)

	h1 := ComputeHash("", "StepCompleted", payload)
	h2 := ComputeHash(h1, "StepCompleted", payload)

	if h1 == h2 {
		t.Error("identical content with different prev hashes produced equal hashes")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
	if got := ComputeHash("", "StepCompleted", payload); got != h1 {
		t.Error("hash is not deterministic")
	}
	if got := ComputeHash("", "StepFailed", payload); got == h1 {
		t.Error("kind does not participate in the hash")
	}
}

func TestRehash(t *testing.T) {
	payload := []byte(`{"b":2,"a":1}`)
	e := Event{
		Kind:     "TestEvent",
		Payload:  payload,
		PrevHash: "prev",
	}
	e.Hash = ComputeHash("prev", "TestEvent", mustCanonical(t, payload))

	got, err := Rehash(e)
	if err != nil {
		t.Fatalf("Rehash: %v", err)
	}
	if got != e.Hash {
		t.Errorf("Rehash = %s, want %s", got, e.Hash)
	}
}

func mustCanonical(t *testing.T, raw []byte) []byte {
	t.Helper()
	out, err := canonicalizeRaw(raw)
	if err != nil {
		t.Fatalf("canonicalizeRaw: %v", err)
	}
	return out
}
