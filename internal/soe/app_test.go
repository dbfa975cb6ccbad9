package soe

import "testing"

func TestNullApplicationIsNoop(t *testing.T) {
	n := &NullApplication{}
	n.Initialize(nil)
	n.OnSessionOpened()
	n.HandleAppData([]byte("ignored"))
	n.OnSessionClosed(ReasonApplication)
	if n.SessionParams() != (ApplicationParameters{}) {
		t.Fatalf("expected zero-value params, got %+v", n.SessionParams())
	}
}
