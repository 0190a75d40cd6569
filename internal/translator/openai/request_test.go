package openai

import (
	"encoding/json"
	"testing"

	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

func msg(t *testing.T, role, content string) ChatMessage {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	return ChatMessage{Role: role, Content: raw}
}

// Scenario: assistant issues two tool calls, both tool results arrive before
// the next user turn. They must coalesce into a single user turn carrying
// two functionResponse parts, with only the first functionCall part of the
// assistant turn carrying the thought-signature placeholder.
func TestTranslateRequestCoalescesToolResults(t *testing.T) {
	assistant := ChatMessage{
		Role: "assistant",
		ToolCalls: []ToolCall{
			{ID: "call_A", Type: "function", Function: struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			}{Name: "lookup", Arguments: `{"q":"a"}`}},
			{ID: "call_B", Type: "function", Function: struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			}{Name: "lookup", Arguments: `{"q":"b"}`}},
		},
	}
	toolA := msg(t, "tool", "ok")
	toolA.ToolCallID = "call_A"
	toolB := msg(t, "tool", "done")
	toolB.ToolCallID = "call_B"
	user := msg(t, "user", "thanks")

	req := &ChatCompletionRequest{
		Model:    "gemini-pro",
		Messages: []ChatMessage{msg(t, "user", "start"), assistant, toolA, toolB, user},
	}

	out, err := TranslateRequest(req, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	contents := out.Internal.Contents
	if len(contents) != 4 {
		t.Fatalf("expected 4 turns (start, assistant, tool-results, thanks), got %d", len(contents))
	}

	modelTurn := contents[1]
	if modelTurn.Role != internaldialect.RoleModel {
		t.Fatalf("expected model turn at index 1, got %s", modelTurn.Role)
	}
	if len(modelTurn.Parts) != 2 {
		t.Fatalf("expected 2 functionCall parts, got %d", len(modelTurn.Parts))
	}
	if modelTurn.Parts[0].ThoughtSignature == "" {
		t.Fatalf("expected first functionCall part to carry a thought signature")
	}
	if modelTurn.Parts[1].ThoughtSignature != "" {
		t.Fatalf("expected second functionCall part to carry no thought signature")
	}

	toolTurn := contents[2]
	if toolTurn.Role != internaldialect.RoleUser {
		t.Fatalf("expected coalesced tool-result turn to be user role, got %s", toolTurn.Role)
	}
	if len(toolTurn.Parts) != 2 {
		t.Fatalf("expected 2 functionResponse parts coalesced into one turn, got %d", len(toolTurn.Parts))
	}
	if toolTurn.Parts[0].FunctionResponse == nil || toolTurn.Parts[0].FunctionResponse.Name != "lookup" {
		t.Fatalf("expected recovered function name 'lookup', got %+v", toolTurn.Parts[0].FunctionResponse)
	}

	thanksTurn := contents[3]
	if len(thanksTurn.Parts) != 1 || thanksTurn.Parts[0].Text != "thanks" {
		t.Fatalf("expected trailing user turn 'thanks', got %+v", thanksTurn)
	}
}

func TestTranslateRequestFoldsSystemMessage(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gemini-pro",
		Messages: []ChatMessage{
			msg(t, "system", "be terse"),
			msg(t, "user", "hi"),
		},
	}
	out, err := TranslateRequest(req, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.Internal.SystemInstruction == nil {
		t.Fatalf("expected system instruction set")
	}
	if len(out.Internal.Contents) != 1 {
		t.Fatalf("expected system message excluded from contents, got %d turns", len(out.Internal.Contents))
	}
}

func TestTranslateRequestAppliesForcedToggles(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "gemini-pro",
		Messages: []ChatMessage{msg(t, "user", "hi")},
	}
	out, err := TranslateRequest(req, config.FeatureToggles{ForceThinking: true, ForceWebSearch: true, ForceURLContext: true})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.Internal.GenerationConfig.ThinkingConfig == nil {
		t.Fatalf("expected thinking config set by forced toggle")
	}
	foundSearch, foundURL := false, false
	for _, tool := range out.Internal.Tools {
		if tool.GoogleSearch != nil {
			foundSearch = true
		}
		if tool.URLContext != nil {
			foundURL = true
		}
	}
	if !foundSearch || !foundURL {
		t.Fatalf("expected forced web-search and url-context tools, got %+v", out.Internal.Tools)
	}
}

func TestTranslateRequestModelSuffixTogglesThinking(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "gemini-pro-high",
		Messages: []ChatMessage{msg(t, "user", "hi")},
	}
	out, err := TranslateRequest(req, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.CleanModel != "gemini-pro" {
		t.Fatalf("expected suffix stripped, got %q", out.CleanModel)
	}
	if out.Internal.GenerationConfig.ThinkingConfig == nil {
		t.Fatalf("expected thinking config set by model suffix")
	}
	if out.Internal.GenerationConfig.ThinkingConfig.ThinkingLevel != "HIGH" {
		t.Fatalf("expected HIGH thinking level from suffix, got %q", out.Internal.GenerationConfig.ThinkingConfig.ThinkingLevel)
	}
}

// Scenario: a model-name thinking-level suffix must win over reasoning_effort
// when both are present on the same request.
func TestTranslateRequestModelSuffixWinsOverReasoningEffort(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:           "gemini-pro-minimal",
		Messages:        []ChatMessage{msg(t, "user", "hi")},
		ReasoningEffort: "high",
	}
	out, err := TranslateRequest(req, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.Internal.GenerationConfig.ThinkingConfig.ThinkingLevel != "MINIMAL" {
		t.Fatalf("expected suffix MINIMAL to win over reasoning_effort, got %q", out.Internal.GenerationConfig.ThinkingConfig.ThinkingLevel)
	}
}

// Scenario: the parenthesized suffix form is equivalent to the hyphenated one.
func TestTranslateRequestParenthesizedSuffixForm(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "gemini-pro(low)",
		Messages: []ChatMessage{msg(t, "user", "hi")},
	}
	out, err := TranslateRequest(req, config.FeatureToggles{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.CleanModel != "gemini-pro" {
		t.Fatalf("expected parenthesized suffix stripped, got %q", out.CleanModel)
	}
	if out.Internal.GenerationConfig.ThinkingConfig.ThinkingLevel != "LOW" {
		t.Fatalf("expected LOW thinking level, got %q", out.Internal.GenerationConfig.ThinkingConfig.ThinkingLevel)
	}
}

func TestTranslateRequestRejectsEmptyMessages(t *testing.T) {
	req := &ChatCompletionRequest{Model: "gemini-pro"}
	if _, err := TranslateRequest(req, config.FeatureToggles{}); err == nil {
		t.Fatalf("expected error for empty messages")
	}
}
