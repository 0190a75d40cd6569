package stealth

import (
	"reflect"
	"strings"
	"testing"
)

func TestGenerateIsDeterministicByEmail(t *testing.T) {
	a := Generate("user@example.com", 0)
	b := Generate("user@example.com", 7) // index must not matter once email is present
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical fingerprints for the same email, got %+v vs %+v", a, b)
	}
}

func TestGenerateFallsBackToIndex(t *testing.T) {
	a := Generate("", 3)
	b := Generate("", 3)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical fingerprints for the same fallback index")
	}

	c := Generate("", 4)
	if reflect.DeepEqual(a, c) {
		t.Fatalf("expected different fingerprints for different fallback indices")
	}
}

func TestBuildScriptEmbedsAccountIndex(t *testing.T) {
	fp := Generate("user@example.com", 0)
	script := BuildScript(fp, 5)
	if !strings.Contains(script, "index:5") {
		t.Fatalf("expected script to embed account index 5, got:\n%s", script)
	}
}
