package prompt

import (
	"testing"

	"imageforge/internal/domain"
)

func TestCompileSubstitutesPlaceholders(t *testing.T) {
	got := Compile("A {{style}} cat", map[string]string{"style": "cyberpunk"})
	if got != "A cyberpunk cat" {
		t.Fatalf("compile = %q, want %q", got, "A cyberpunk cat")
	}
}

func TestCompileLeavesUnknownPlaceholders(t *testing.T) {
	got := Compile("A {{missing}} cat", map[string]string{})
	if got != "A {{missing}} cat" {
		t.Fatalf("compile = %q, want placeholder left verbatim", got)
	}
}

func TestCompileSkipsReservedKeys(t *testing.T) {
	inputs := map[string]string{
		"subject":                  "ramen bowl",
		domain.InputKeySourceImage: "uploads/u1/photo.png",
	}
	got := Compile("Photo of {{subject}} based on {{__source_image}}", inputs)
	want := "Photo of ramen bowl based on {{__source_image}}"
	if got != want {
		t.Fatalf("compile = %q, want %q", got, want)
	}
}

func TestCompileReplacesEveryOccurrence(t *testing.T) {
	got := Compile("{{a}} and {{a}} and {{b}}", map[string]string{"a": "x", "b": "y"})
	if got != "x and x and y" {
		t.Fatalf("compile = %q", got)
	}
}

func TestCompileIsIdempotent(t *testing.T) {
	template := "A {{style}} {{subject}} at {{time}}"
	inputs := map[string]string{"style": "noir", "subject": "alley"}
	first := Compile(template, inputs)
	second := Compile(template, inputs)
	if first != second {
		t.Fatalf("compile not deterministic: %q vs %q", first, second)
	}
	if first != "A noir alley at {{time}}" {
		t.Fatalf("compile = %q", first)
	}
}
