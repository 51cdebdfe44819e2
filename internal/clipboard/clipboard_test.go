package clipboard

import "testing"

func TestMemoryClearIfEqualsOnlyWhenMatching(t *testing.T) {
	m := NewMemory()
	m.SetText("X")

	cleared, err := m.ClearIfEquals("Y")
	if err != nil {
		t.Fatalf("ClearIfEquals: %v", err)
	}
	if cleared {
		t.Fatal("must not clear when contents differ")
	}
	if m.Contents() != "X" {
		t.Fatalf("contents changed unexpectedly: %q", m.Contents())
	}

	cleared, err = m.ClearIfEquals("X")
	if err != nil {
		t.Fatalf("ClearIfEquals: %v", err)
	}
	if !cleared {
		t.Fatal("must clear when contents match")
	}
	if m.Contents() != "" {
		t.Fatalf("expected empty contents, got %q", m.Contents())
	}
}

func TestNullClipboardIsNoOp(t *testing.T) {
	var n Null
	if err := n.SetText("anything"); err != nil {
		t.Fatalf("SetText: %v", err)
	}
	cleared, err := n.ClearIfEquals("anything")
	if err != nil {
		t.Fatalf("ClearIfEquals: %v", err)
	}
	if cleared {
		t.Fatal("Null must never report a clear")
	}
}
