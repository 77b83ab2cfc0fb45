package version

import (
	"strings"
	"testing"
)

func TestStringContainsVersionNumbers(t *testing.T) {
	s := String()
	if !strings.Contains(s, "1.3.0") {
		t.Errorf("String() = %q, want it to contain %q", s, "1.3.0")
	}
}

func TestProtocolWindowIsSane(t *testing.T) {
	if ProtocolMin > ProtocolMax {
		t.Errorf("ProtocolMin (%d) > ProtocolMax (%d)", ProtocolMin, ProtocolMax)
	}
}
