package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

func rawString(t *testing.T, s string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func rawBlocks(t *testing.T, blocks []ContentBlock) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(blocks)
	if err != nil {
		t.Fatalf("marshal blocks: %v", err)
	}
	return b
}

func TestTranslateRequestCoalescesToolResults(t *testing.T) {
	assistant := Message{
		Role: "assistant",
		Content: rawBlocks(t, []ContentBlock{
			{Type: "tool_use", ID: "toolu_A", Name: "lookup", Input: json.RawMessage(`{"q":"a"}`)},
			{Type: "tool_use", ID: "toolu_B", Name: "lookup", Input: json.RawMessage(`{"q":"b"}`)},
		}),
	}
	toolResults := Message{
		Role: "user",
		Content: rawBlocks(t, []ContentBlock{
			{Type: "tool_result", ToolUseID: "toolu_A", Content: rawString(t, "ok")},
			{Type: "tool_result", ToolUseID: "toolu_B", Content: rawString(t, "done")},
		}),
	}
	thanks := Message{Role: "user", Content: rawString(t, "thanks")}

	req := &MessagesRequest{
		Model:     "claude-sonnet",
		MaxTokens: 1024,
		Messages:  []Message{{Role: "user", Content: rawString(t, "start")}, assistant, toolResults, thanks},
	}

	out, err := TranslateRequest(req, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	contents := out.Internal.Contents
	if len(contents) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(contents))
	}
	modelTurn := contents[1]
	if modelTurn.Role != internaldialect.RoleModel || len(modelTurn.Parts) != 2 {
		t.Fatalf("expected model turn with 2 functionCall parts, got %+v", modelTurn)
	}
	if modelTurn.Parts[0].ThoughtSignature == "" || modelTurn.Parts[1].ThoughtSignature != "" {
		t.Fatalf("expected thought signature only on first functionCall part")
	}
	toolTurn := contents[2]
	if toolTurn.Role != internaldialect.RoleUser || len(toolTurn.Parts) != 2 {
		t.Fatalf("expected coalesced tool-result turn with 2 parts, got %+v", toolTurn)
	}
	if toolTurn.Parts[0].FunctionResponse.Name != "lookup" {
		t.Fatalf("expected recovered name lookup, got %+v", toolTurn.Parts[0].FunctionResponse)
	}
}

func TestTranslateRequestMapsThinkingEnabled(t *testing.T) {
	req := &MessagesRequest{
		Model:     "claude-sonnet",
		MaxTokens: 100,
		Messages:  []Message{{Role: "user", Content: rawString(t, "hi")}},
		Thinking:  &ThinkingOption{Type: "enabled", BudgetTokens: 2048},
	}
	out, err := TranslateRequest(req, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.Internal.GenerationConfig.ThinkingConfig == nil {
		t.Fatalf("expected thinking config set from thinking.enabled")
	}
}

// Scenario: a model-name thinking-level suffix wins over thinking.enabled.
func TestTranslateRequestModelSuffixWinsOverThinkingEnabled(t *testing.T) {
	req := &MessagesRequest{
		Model:     "claude-sonnet-low",
		MaxTokens: 100,
		Messages:  []Message{{Role: "user", Content: rawString(t, "hi")}},
		Thinking:  &ThinkingOption{Type: "enabled", BudgetTokens: 2048},
	}
	out, err := TranslateRequest(req, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.CleanModel != "claude-sonnet" {
		t.Fatalf("expected suffix stripped, got %q", out.CleanModel)
	}
	if out.Internal.GenerationConfig.ThinkingConfig.ThinkingLevel != "LOW" {
		t.Fatalf("expected suffix LOW to win over thinking.enabled, got %q", out.Internal.GenerationConfig.ThinkingConfig.ThinkingLevel)
	}
}

func TestTranslateRequestFoldsSystemBlock(t *testing.T) {
	req := &MessagesRequest{
		Model:     "claude-sonnet",
		MaxTokens: 100,
		System:    rawString(t, "be terse"),
		Messages:  []Message{{Role: "user", Content: rawString(t, "hi")}},
	}
	out, err := TranslateRequest(req, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.Internal.SystemInstruction == nil || out.Internal.SystemInstruction.Parts[0].Text != "be terse" {
		t.Fatalf("expected system instruction folded, got %+v", out.Internal.SystemInstruction)
	}
}
