package stage

import (
	"strings"
	"testing"
)

func TestStripFences(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, c := range cases {
		if got := StripFences(c.in); got != c.want {
			t.Errorf("StripFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDecodeObserve(t *testing.T) {
	raw := "```json\n{\"location\":\"cafe\",\"action\":\"reading\",\"topic\":\"novel\"}\n```"
	out, err := Decode(KindObserve, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Kind != KindObserve || out.Observer == nil {
		t.Fatalf("wrong variant: %+v", out)
	}
	if out.Observer.Location != "cafe" || out.Observer.Action != "reading" {
		t.Errorf("unexpected fields: %+v", out.Observer)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	if _, err := Decode(KindObserve, `{"topic":"x"}`); err == nil {
		t.Error("expected error for observe without location/action")
	}
	if _, err := Decode(KindAct, `{"location":"home"}`); err == nil {
		t.Error("expected error for act without action")
	}
	if _, err := Decode(KindDrift, `{"should_drift":true,"drift_type":"teleport"}`); err == nil {
		t.Error("expected error for unknown drift_type")
	}
	if _, err := Decode(KindObserve, "not json at all"); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDecodeReflectNoChange(t *testing.T) {
	out, err := Decode(KindReflect, `{"no_change":true,"state_summary":""}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !out.Reflector.NoChange {
		t.Error("expected NoChange set")
	}
}

func TestDrifterNormalize(t *testing.T) {
	d := &DrifterDecision{ShouldDrift: true, DriftIntensity: 0, DriftType: DriftBehavioral, DriftTopic: "daydream"}
	d.Normalize()
	if d.ShouldDrift || d.DriftType != DriftNone || d.DriftTopic != "" {
		t.Errorf("expected collapse to sentinel, got %+v", d)
	}
	if d.DriftAction != "continue" {
		t.Errorf("expected continue action, got %q", d.DriftAction)
	}

	live := &DrifterDecision{ShouldDrift: true, DriftIntensity: 0.8, DriftType: DriftBehavioral, DriftTopic: "walk"}
	live.Normalize()
	if !live.ShouldDrift || live.DriftType != DriftBehavioral {
		t.Errorf("live drift should survive normalization: %+v", live)
	}
	if !live.Behavioral() {
		t.Error("expected Behavioral() true")
	}
}

func TestNoDriftSentinelSatisfiesActInput(t *testing.T) {
	// Actor input must be schema-valid whether or not the drift stage ran.
	d := NoDrift()
	if d.ShouldDrift || d.DriftType != DriftNone {
		t.Fatalf("bad sentinel: %+v", d)
	}
	out := &Output{Kind: KindDrift, Drifter: d}
	if err := out.Validate(); err != nil {
		t.Errorf("sentinel should validate: %v", err)
	}
}

func TestDecodeImportanceRange(t *testing.T) {
	if _, err := Decode(KindImportance, `{"importance": 11}`); err == nil {
		t.Error("expected range error")
	}
	out, err := Decode(KindImportance, `{"importance": 7}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Importance.Importance != 7 {
		t.Errorf("got %v", out.Importance.Importance)
	}
	if !strings.Contains(string(KindImportance), "importance") {
		t.Error("kind mismatch")
	}
}
