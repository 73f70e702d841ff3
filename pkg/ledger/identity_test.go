package ledger

import "testing"

func TestPseudonymizer_Deterministic(t *testing.T) {
	p, err := NewPseudonymizer([]byte("unit-test-secret"), nil)
	if err != nil {
		t.Fatalf("new pseudonymizer: %v", err)
	}

	a := p.HashUserID("patient-001")
	b := p.HashUserID("patient-001")
	if a != b {
		t.Errorf("same user must map to same hash: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestPseudonymizer_DifferentUsersDiffer(t *testing.T) {
	p, err := NewPseudonymizer([]byte("unit-test-secret"), nil)
	if err != nil {
		t.Fatalf("new pseudonymizer: %v", err)
	}

	if p.HashUserID("patient-001") == p.HashUserID("patient-002") {
		t.Error("distinct users must not collide")
	}
}

func TestPseudonymizer_SecretChangesMapping(t *testing.T) {
	p1, _ := NewPseudonymizer([]byte("secret-a"), nil)
	p2, _ := NewPseudonymizer([]byte("secret-b"), nil)

	if p1.HashUserID("patient-001") == p2.HashUserID("patient-001") {
		t.Error("different secrets must produce different pseudonyms")
	}
}

func TestPseudonymizer_EmptyUserPassesThrough(t *testing.T) {
	p, _ := NewPseudonymizer([]byte("unit-test-secret"), nil)

	if got := p.HashUserID(""); got != "" {
		t.Errorf("empty user id should stay empty, got %q", got)
	}
}

func TestPseudonymizer_RequiresSecret(t *testing.T) {
	if _, err := NewPseudonymizer(nil, nil); err == nil {
		t.Error("empty secret should be rejected")
	}
}
