package skills

import (
	"strings"
	"testing"
)

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"weather-skill", true},
		{"foo-bar-2-skill", true},
		{"-skill", false},
		{"weather", false},
		{"Weather-skill", false},
		{"weather_skill", false},
		{"weather skill-skill", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := ValidID(tt.id); got != tt.want {
				t.Fatalf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestParseManifest(t *testing.T) {
	doc := `---
name: Weather
description: Fetches the forecast
script: run.py
language: python
---

# Weather

Call with a city name.
`
	m, body, err := ParseManifest([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "Weather" || m.Description != "Fetches the forecast" {
		t.Fatalf("manifest = %+v", m)
	}
	if m.Script != "run.py" || m.Language != "python" {
		t.Fatalf("manifest = %+v", m)
	}
	if !strings.HasPrefix(body, "# Weather") {
		t.Fatalf("body = %q", body)
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"no opening delimiter", "name: x\n"},
		{"no closing delimiter", "---\nname: x\n"},
		{"missing name", "---\ndescription: d\n---\nbody"},
		{"missing description", "---\nname: n\n---\nbody"},
		{"unknown key rejected", "---\nname: n\ndescription: d\nextra: smuggled\n---\nbody"},
		{"script traversal", "---\nname: n\ndescription: d\nscript: ../../etc/passwd\n---\nbody"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseManifest([]byte(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
