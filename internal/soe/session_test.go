package soe

import "testing"

func TestModeString(t *testing.T) {
	if ModeClient.String() != "client" {
		t.Fatalf("got %q", ModeClient.String())
	}
	if ModeServer.String() != "server" {
		t.Fatalf("got %q", ModeServer.String())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateNegotiating: "negotiating",
		StateRunning:      "running",
		StateTerminated:   "terminated",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d: got %q, want %q", state, got, want)
		}
	}
}

func TestNewDefaultSessionParameters(t *testing.T) {
	p := NewDefaultSessionParameters("TestProtocol")
	if p.ApplicationProtocol != "TestProtocol" {
		t.Fatalf("got %q", p.ApplicationProtocol)
	}
	if p.UDPLength != 512 || p.CrcLength != 2 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	clone := p.Clone()
	clone.UDPLength = 9999
	if p.UDPLength == clone.UDPLength {
		t.Fatal("Clone must return an independent copy")
	}
}
