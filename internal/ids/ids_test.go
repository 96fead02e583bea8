package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestNewWithPrefix(t *testing.T) {
	id := NewWithPrefix(PrefixRequest)
	if !strings.HasPrefix(id, "req_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if id != strings.ToLower(id) {
		t.Fatalf("expected lower case id, got %s", id)
	}
	if got := NewWithPrefix(" "); strings.Contains(got, "_") {
		t.Fatalf("blank prefix should be ignored, got %s", got)
	}
}
