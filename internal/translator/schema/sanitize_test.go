package schema

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestSanitizeStripsDisallowedKeys(t *testing.T) {
	in := `{"$schema":"http://json-schema.org/draft-07/schema#","type":"object","additionalProperties":false,"properties":{"name":{"type":"string"}}}`
	out := Sanitize([]byte(in))

	if gjson.GetBytes(out, "$schema").Exists() {
		t.Fatalf("expected $schema stripped, got %s", out)
	}
	if gjson.GetBytes(out, "additionalProperties").Exists() {
		t.Fatalf("expected additionalProperties stripped, got %s", out)
	}
	if got := gjson.GetBytes(out, "type").String(); got != "OBJECT" {
		t.Fatalf("expected OBJECT, got %s", got)
	}
	if got := gjson.GetBytes(out, "properties.name.type").String(); got != "STRING" {
		t.Fatalf("expected nested type STRING, got %s", got)
	}
}

func TestSanitizeCollapsesNullableAnyOf(t *testing.T) {
	in := `{"type":"object","properties":{"note":{"anyOf":[{"type":"string"},{"type":"null"}]}}}`
	out := Sanitize([]byte(in))

	note := gjson.GetBytes(out, "properties.note")
	if note.Get("anyOf").Exists() {
		t.Fatalf("expected anyOf collapsed, got %s", note.Raw)
	}
	if got := note.Get("type").String(); got != "STRING" {
		t.Fatalf("expected collapsed type STRING, got %s", got)
	}
	if !note.Get("nullable").Bool() {
		t.Fatalf("expected nullable true, got %s", note.Raw)
	}
}

func TestSanitizeConvertsArrayTypeToAnyOf(t *testing.T) {
	in := `{"type":"object","properties":{"id":{"type":["string","number"]}}}`
	out := Sanitize([]byte(in))

	id := gjson.GetBytes(out, "properties.id")
	if id.Get("type").Exists() {
		t.Fatalf("expected array type replaced, got %s", id.Raw)
	}
	anyOf := id.Get("anyOf")
	if !anyOf.IsArray() || len(anyOf.Array()) != 2 {
		t.Fatalf("expected two-variant anyOf, got %s", id.Raw)
	}
}

func TestSanitizeRemovesRef(t *testing.T) {
	in := `{"type":"object","properties":{"child":{"$ref":"#/definitions/Thing","type":"object"}}}`
	out := Sanitize([]byte(in))
	if gjson.GetBytes(out, "properties.child.$ref").Exists() {
		t.Fatalf("expected $ref stripped, got %s", out)
	}
}
