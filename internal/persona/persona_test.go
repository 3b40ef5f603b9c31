package persona

import (
	"strings"
	"testing"
)

func TestGetFallsBackToDefault(t *testing.T) {
	p := Get("does-not-exist")
	if p.Name != Default {
		t.Errorf("fallback persona = %q, want %q", p.Name, Default)
	}
}

func TestDefaultExists(t *testing.T) {
	if !Exists(Default) {
		t.Fatalf("default persona %q not registered", Default)
	}
	if Get(Default).Premium {
		t.Error("default persona must be free")
	}
}

func TestRenderPrompt(t *testing.T) {
	p := Get(Default)
	rendered := p.RenderPrompt("Dana")
	if rendered == p.SystemPrompt {
		t.Error("placeholder not substituted")
	}
	if want := "Dana"; !strings.Contains(rendered, want) {
		t.Errorf("rendered prompt missing %q", want)
	}
}

func TestKeyboardEndsWithSystemRows(t *testing.T) {
	for _, p := range All() {
		kb := p.Keyboard()
		if len(kb) < 2 {
			t.Fatalf("%s: keyboard too short", p.Name)
		}
		if kb[len(kb)-2] != ClearChatLabel || kb[len(kb)-1] != SwitchPersonaLabel {
			t.Errorf("%s: system rows missing from keyboard tail", p.Name)
		}
	}
}

func TestTitlesAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range All() {
		if seen[p.Title] {
			t.Errorf("duplicate title %q", p.Title)
		}
		seen[p.Title] = true
	}
}
