// Package schema sanitizes JSON-schema documents (tool parameter schemas and
// structured-output response schemas) coming from OpenAI/Anthropic-shaped
// clients into the shape the internal dialect's upstream engine accepts:
// upper-cased type names, no $schema/$ref/additionalProperties/
// patternProperties, and anyOf collapsed the way the engine expects nullable
// fields to be expressed.
package schema

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// stripKeys are deleted wherever they occur in the document, at any depth.
var stripKeys = []string{"$schema", "additionalProperties", "$ref", "patternProperties"}

// Sanitize walks raw (a JSON-schema document) and returns a cleaned copy
// suitable for the internal dialect's responseSchema/functionDeclaration
// parameters field. raw must be valid JSON; malformed input is returned
// unchanged.
func Sanitize(raw []byte) []byte {
	if !gjson.ValidBytes(raw) {
		return raw
	}
	doc := string(raw)
	doc = sanitizeNode(doc, "")
	return []byte(doc)
}

// sanitizeNode sanitizes the node at path (path=="" is the document root)
// in place and recurses into its children. It returns the updated document.
func sanitizeNode(doc, path string) string {
	node := getNode(doc, path)
	if !node.Exists() {
		return doc
	}

	doc = arrayTypeToAnyOf(doc, path)
	// collapseAnyOf may rewrite the node at path entirely; re-fetch after.
	doc = collapseAnyOf(doc, path)
	// Strip and uppercase after collapsing so fields merged in from the
	// surviving anyOf variant are cleaned too.
	doc = stripUnwanted(doc, path)
	doc = uppercaseType(doc, path)

	node = getNode(doc, path)
	switch {
	case node.IsObject():
		var keys []string
		node.ForEach(func(k, _ gjson.Result) bool {
			keys = append(keys, k.String())
			return true
		})
		for _, k := range keys {
			doc = sanitizeNode(doc, joinPath(path, k))
		}
	case node.IsArray():
		n := 0
		node.ForEach(func(_, _ gjson.Result) bool { n++; return true })
		for i := 0; i < n; i++ {
			doc = sanitizeNode(doc, joinIndex(path, i))
		}
	}
	return doc
}

func getNode(doc, path string) gjson.Result {
	if path == "" {
		return gjson.Parse(doc)
	}
	return gjson.Get(doc, path)
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func joinIndex(path string, i int) string {
	return joinPath(path, itoa(i))
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func stripUnwanted(doc, path string) string {
	node := getNode(doc, path)
	if !node.IsObject() {
		return doc
	}
	for _, key := range stripKeys {
		p := joinPath(path, key)
		if gjson.Get(doc, p).Exists() {
			if out, err := sjson.Delete(doc, p); err == nil {
				doc = out
			}
		}
	}
	return doc
}

// uppercaseType uppercases a string "type" field in place, since OpenAI's
// convention is lower-case ("string", "object") but the upstream engine
// expects the Gemini-style upper-case enum ("STRING", "OBJECT").
func uppercaseType(doc, path string) string {
	typePath := joinPath(path, "type")
	t := gjson.Get(doc, typePath)
	if !t.Exists() || t.Type != gjson.String {
		return doc
	}
	upper := strings.ToUpper(t.String())
	if upper == t.String() {
		return doc
	}
	if out, err := sjson.Set(doc, typePath, upper); err == nil {
		doc = out
	}
	return doc
}

// collapseAnyOf handles the common "anyOf: [T, {type: null}]" nullable
// pattern OpenAI's json-schema emitters produce: when anyOf has exactly one
// non-null variant, that variant's fields are merged into the node itself
// (replacing the anyOf wrapper) and the node gains "nullable": true. Only
// applied below the document root, since sjson cannot replace a whole
// top-level document in place.
func collapseAnyOf(doc, path string) string {
	if path == "" {
		return doc
	}
	anyOfPath := joinPath(path, "anyOf")
	anyOf := gjson.Get(doc, anyOfPath)
	if !anyOf.IsArray() {
		return doc
	}

	var nonNull []gjson.Result
	hasNull := false
	anyOf.ForEach(func(_, v gjson.Result) bool {
		if v.Get("type").String() == "null" || v.Get("type").String() == "NULL" {
			hasNull = true
		} else {
			nonNull = append(nonNull, v)
		}
		return true
	})
	if len(nonNull) != 1 {
		return doc
	}

	if out, err := sjson.Delete(doc, anyOfPath); err == nil {
		doc = out
	}
	variant := nonNull[0]
	variant.ForEach(func(k, v gjson.Result) bool {
		if out, err := sjson.SetRaw(doc, joinPath(path, k.String()), v.Raw); err == nil {
			doc = out
		}
		return true
	})
	if hasNull {
		if out, err := sjson.Set(doc, joinPath(path, "nullable"), true); err == nil {
			doc = out
		}
	}
	return doc
}

// arrayTypeToAnyOf handles the JSON-schema convention of
// "type": ["string", "null"]: the engine's schema dialect doesn't accept an
// array-valued type, so it is rewritten to an anyOf of single-type variants
// (one of which collapseAnyOf then folds back down if exactly one is
// non-null).
func arrayTypeToAnyOf(doc, path string) string {
	typePath := joinPath(path, "type")
	t := gjson.Get(doc, typePath)
	if !t.IsArray() {
		return doc
	}

	var variants []string
	t.ForEach(func(_, v gjson.Result) bool {
		variants = append(variants, `{"type":"`+strings.ToUpper(v.String())+`"}`)
		return true
	})

	if out, err := sjson.Delete(doc, typePath); err == nil {
		doc = out
	}
	raw := "[" + strings.Join(variants, ",") + "]"
	if out, err := sjson.SetRaw(doc, joinPath(path, "anyOf"), raw); err == nil {
		doc = out
	}
	return doc
}
