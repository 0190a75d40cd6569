package server

import "testing"

func TestSplitModelVerbStreamingSuffix(t *testing.T) {
	model, stream := splitModelVerb("gemini-1.5-pro:streamGenerateContent")
	if model != "gemini-1.5-pro" || !stream {
		t.Fatalf("got (%q, %v), want (%q, true)", model, stream, "gemini-1.5-pro")
	}
}

func TestSplitModelVerbNonStreaming(t *testing.T) {
	model, stream := splitModelVerb("gemini-1.5-pro:generateContent")
	if model != "gemini-1.5-pro" || stream {
		t.Fatalf("got (%q, %v), want (%q, false)", model, stream, "gemini-1.5-pro")
	}
}

func TestSplitModelVerbNoVerb(t *testing.T) {
	model, stream := splitModelVerb("gemini-1.5-pro")
	if model != "gemini-1.5-pro" || stream {
		t.Fatalf("got (%q, %v), want (%q, false) when no verb suffix present", model, stream, "gemini-1.5-pro")
	}
}
