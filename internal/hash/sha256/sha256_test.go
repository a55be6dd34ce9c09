package sha256

import "testing"

func TestHashKnownVector(t *testing.T) {
	t.Parallel()
	h := New()

	got, err := h.Hash([]byte("abc"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("Hash() = %q, want %q", got, want)
	}
}

func TestHashEmpty(t *testing.T) {
	t.Parallel()
	h := New()

	got, err := h.Hash(nil)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Fatalf("Hash() = %q, want %q", got, want)
	}
}
