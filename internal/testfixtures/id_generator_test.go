package testfixtures

import "testing"

func TestIDGeneratorProducesSequentialIDs(t *testing.T) {
	gen := NewIDGenerator("")

	first := gen.Next()
	second := gen.NextFunc()()

	if first != "class-1" || second != "class-2" {
		t.Fatalf("unexpected identifiers: %q, %q", first, second)
	}
}

func TestIDGeneratorCanReset(t *testing.T) {
	gen := NewIDGenerator("slot")
	_ = gen.Next()
	gen.Reset()

	if next := gen.Next(); next != "slot-1" {
		t.Fatalf("expected slot-1 after reset, got %q", next)
	}
}
