package factory

import "testing"

func TestOpenScripted(t *testing.T) {
	h, err := Open(BackendScripted)
	if err != nil {
		t.Fatalf("Open(%q): %v", BackendScripted, err)
	}
	defer h.Close()
}

func TestOpenUnknown(t *testing.T) {
	if _, err := Open("bhyve"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
