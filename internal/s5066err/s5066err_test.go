package s5066err

import (
	"errors"
	"testing"
)

func TestErrorStringIncludesTierAndComponent(t *testing.T) {
	err := Validationf("dts", "sap %d out of range", 19)
	got := err.Error()
	want := "dts[validation]: sap 19 out of range"
	if got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestUnwrapReachesUnderlyingCause(t *testing.T) {
	cause := errors.New("boom")
	err := Fatalf("pool", "allocate: %w", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the wrapped cause")
	}
}

func TestTierString(t *testing.T) {
	cases := map[Tier]string{Framing: "framing", Validation: "validation", Fatal: "fatal", Tier(99): "unknown"}
	for tier, want := range cases {
		if got := tier.String(); got != want {
			t.Fatalf("Tier(%d).String() = %q, want %q", tier, got, want)
		}
	}
}
