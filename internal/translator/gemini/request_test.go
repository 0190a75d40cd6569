package gemini

import (
	"testing"

	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

func TestTranslateRequestForcesSafetyOff(t *testing.T) {
	req := &GenerateRequest{
		Contents: []internaldialect.Content{{Role: internaldialect.RoleUser, Parts: []internaldialect.Part{{Text: "hi"}}}},
	}
	out, err := TranslateRequest("gemini-pro", req, false, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out.Internal.SafetySettings) != 4 {
		t.Fatalf("expected 4 safety settings, got %d", len(out.Internal.SafetySettings))
	}
	for _, s := range out.Internal.SafetySettings {
		if s.Threshold != internaldialect.ThresholdBlockNone {
			t.Fatalf("expected BLOCK_NONE, got %s", s.Threshold)
		}
	}
}

func TestTranslateRequestStripsModelSuffixAndAddsSearchTool(t *testing.T) {
	req := &GenerateRequest{
		Contents: []internaldialect.Content{{Role: internaldialect.RoleUser, Parts: []internaldialect.Part{{Text: "hi"}}}},
	}
	out, err := TranslateRequest("gemini-pro-search", req, true, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.CleanModel != "gemini-pro" {
		t.Fatalf("expected suffix stripped, got %q", out.CleanModel)
	}
	if !hasSearchTool(out.Internal.Tools) {
		t.Fatalf("expected googleSearch tool added, got %+v", out.Internal.Tools)
	}
}

// Scenario: a model-name thinking-level suffix wins even over an explicit
// thinkingConfig the client already set in the request body.
func TestTranslateRequestModelSuffixOverridesExplicitThinkingConfig(t *testing.T) {
	req := &GenerateRequest{
		Contents:         []internaldialect.Content{{Role: internaldialect.RoleUser, Parts: []internaldialect.Part{{Text: "hi"}}}},
		GenerationConfig: &internaldialect.GenerationConfig{ThinkingConfig: &internaldialect.ThinkingConfig{IncludeThoughts: true, ThinkingLevel: "HIGH"}},
	}
	out, err := TranslateRequest("gemini-pro-minimal", req, false, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.CleanModel != "gemini-pro" {
		t.Fatalf("expected suffix stripped, got %q", out.CleanModel)
	}
	if out.Internal.GenerationConfig.ThinkingConfig.ThinkingLevel != "MINIMAL" {
		t.Fatalf("expected suffix MINIMAL to win, got %q", out.Internal.GenerationConfig.ThinkingConfig.ThinkingLevel)
	}
}

func TestTranslateRequestRejectsEmptyContents(t *testing.T) {
	req := &GenerateRequest{}
	if _, err := TranslateRequest("gemini-pro", req, false, config.FeatureToggles{}); err == nil {
		t.Fatalf("expected error for empty contents")
	}
}
