package wireformat

import "testing"

func TestKDFFromValueLengths(t *testing.T) {
	kdf, err := KDFFromValue([]byte("client-material||server-material"))
	if err != nil {
		t.Fatalf("KDFFromValue failed: %v", err)
	}

	if len(kdf.KeyHash) != 20 {
		t.Errorf("KeyHash length = %d, want 20", len(kdf.KeyHash))
	}
	if len(kdf.ForwardDigest) != 20 {
		t.Errorf("ForwardDigest length = %d, want 20", len(kdf.ForwardDigest))
	}
	if len(kdf.BackwardDigest) != 20 {
		t.Errorf("BackwardDigest length = %d, want 20", len(kdf.BackwardDigest))
	}
	if len(kdf.ForwardKey) != 16 {
		t.Errorf("ForwardKey length = %d, want 16", len(kdf.ForwardKey))
	}
	if len(kdf.BackwardKey) != 16 {
		t.Errorf("BackwardKey length = %d, want 16", len(kdf.BackwardKey))
	}
}

func TestKDFFromValueDeterministic(t *testing.T) {
	a, err := KDFFromValue([]byte("seed"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := KDFFromValue([]byte("seed"))
	if err != nil {
		t.Fatal(err)
	}
	if string(a.KeyHash) != string(b.KeyHash) {
		t.Error("KDF is not deterministic for identical input")
	}

	c, err := KDFFromValue([]byte("different seed"))
	if err != nil {
		t.Fatal(err)
	}
	if string(a.KeyHash) == string(c.KeyHash) {
		t.Error("KDF produced identical output for different input")
	}
}
