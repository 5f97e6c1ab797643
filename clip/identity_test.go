package clip

import "testing"

func TestComputeID_Deterministic(t *testing.T) {
	settings := VoiceSettings{
		Voice:    "amy",
		Language: "en-US",
		Speed:    1.25,
		Pitch:    -2,
	}

	a := ComputeID("hello world", settings)
	b := ComputeID("hello world", settings)
	if a != b {
		t.Errorf("same input produced different IDs: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("ID should be a sha256 hex digest (64 chars), got %d", len(a))
	}
}

func TestComputeID_CaseInsensitive(t *testing.T) {
	settings := DefaultVoiceSettings()
	if ComputeID("Hello World", settings) != ComputeID("hello world", settings) {
		t.Error("IDs should be case-insensitive over the spoken text")
	}

	upper := settings
	upper.Voice = "AMY"
	lower := settings
	lower.Voice = "amy"
	if ComputeID("x", upper) != ComputeID("x", lower) {
		t.Error("IDs should be case-insensitive over voice settings")
	}
}

func TestComputeID_SettingsChangeChangesID(t *testing.T) {
	base := VoiceSettings{
		Voice:    "amy",
		Language: "en-US",
		Speed:    1.0,
		Pitch:    0,
	}
	baseID := ComputeID("hello", base)

	tests := []struct {
		name   string
		text   string
		mutate func(*VoiceSettings)
	}{
		{"text", "goodbye", func(*VoiceSettings) {}},
		{"voice", "hello", func(s *VoiceSettings) { s.Voice = "brian" }},
		{"language", "hello", func(s *VoiceSettings) { s.Language = "de-DE" }},
		{"speed", "hello", func(s *VoiceSettings) { s.Speed = 1.5 }},
		{"pitch", "hello", func(s *VoiceSettings) { s.Pitch = 3 }},
		{"prepend", "hello", func(s *VoiceSettings) { s.PrependText = "say: " }},
		{"append", "hello", func(s *VoiceSettings) { s.AppendText = ", please" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := base
			tt.mutate(&settings)
			if ComputeID(tt.text, settings) == baseID {
				t.Errorf("changing %s did not change the ID", tt.name)
			}
		})
	}
}

func TestComputeID_SpeedPrecision(t *testing.T) {
	base := DefaultVoiceSettings()
	base.Speed = 1.0

	nudged := base
	nudged.Speed = 1.00001 // below the 4-decimal canonical precision
	if ComputeID("x", base) != ComputeID("x", nudged) {
		t.Error("sub-precision speed changes should not change the ID")
	}

	changed := base
	changed.Speed = 1.001
	if ComputeID("x", base) == ComputeID("x", changed) {
		t.Error("speed changes at canonical precision should change the ID")
	}
}

func TestComputeID_NoDelimiterCollision(t *testing.T) {
	// Unescaped fields would make these two canonical strings identical.
	a := VoiceSettings{Voice: "a|b", Language: "c"}
	b := VoiceSettings{Voice: "a", Language: "b|c"}
	if ComputeID("x", a) == ComputeID("x", b) {
		t.Error("delimiter inside a field value collided with the field boundary")
	}
}
