package openai

import (
	"strings"
	"testing"

	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

func TestStreamStateEmitsDoneOnce(t *testing.T) {
	s := NewStreamState("req-1", 1000, "gemini-pro")

	lines := s.TranslateChunk(&internaldialect.Chunk{
		Candidates: []internaldialect.Candidate{{
			Content: internaldialect.Content{Parts: []internaldialect.Part{{Text: "hello"}}},
		}},
	})
	if len(lines) != 1 || !strings.Contains(lines[0], `"role":"assistant"`) {
		t.Fatalf("expected role emitted on first chunk, got %v", lines)
	}

	final := s.TranslateChunk(&internaldialect.Chunk{
		Candidates: []internaldialect.Candidate{{
			FinishReason: internaldialect.FinishStop,
		}},
		UsageMetadata: &internaldialect.UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
	})
	if len(final) != 2 {
		t.Fatalf("expected finish-reason frame plus one usage frame, got %d: %v", len(final), final)
	}
	if !strings.Contains(final[0], `"finish_reason":"stop"`) {
		t.Fatalf("expected stop finish reason, got %s", final[0])
	}
	if !strings.Contains(final[1], `"total_tokens":15`) {
		t.Fatalf("expected usage totals, got %s", final[1])
	}

	if done := s.Done(); done != "data: [DONE]\n\n" {
		t.Fatalf("unexpected done line: %q", done)
	}
}

func TestStreamStateMapsToolCallFinishReason(t *testing.T) {
	s := NewStreamState("req-2", 1000, "gemini-pro")
	s.TranslateChunk(&internaldialect.Chunk{
		Candidates: []internaldialect.Candidate{{
			Content: internaldialect.Content{Parts: []internaldialect.Part{{
				FunctionCall: &internaldialect.FunctionCall{Name: "lookup"},
			}}},
		}},
	})
	final := s.TranslateChunk(&internaldialect.Chunk{
		Candidates: []internaldialect.Candidate{{FinishReason: internaldialect.FinishStop}},
	})
	if len(final) != 1 || !strings.Contains(final[0], `"finish_reason":"tool_calls"`) {
		t.Fatalf("expected tool_calls finish reason once a function call was seen, got %v", final)
	}
}

func TestAssembleResponseAggregatesTextAcrossChunks(t *testing.T) {
	chunks := []*internaldialect.Chunk{
		{Candidates: []internaldialect.Candidate{{Content: internaldialect.Content{Parts: []internaldialect.Part{{Text: "Hello, "}}}}}},
		{Candidates: []internaldialect.Candidate{{Content: internaldialect.Content{Parts: []internaldialect.Part{{Text: "world."}}}, FinishReason: internaldialect.FinishStop}}},
	}
	resp := AssembleResponse("req-3", 1000, "gemini-pro", chunks)
	if resp.Choices[0].Message.Content != "Hello, world." {
		t.Fatalf("expected aggregated text, got %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected stop finish reason, got %q", resp.Choices[0].FinishReason)
	}
}
