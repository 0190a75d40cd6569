package anthropic

import (
	"strings"
	"testing"

	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

func TestStreamStateEmitsMessageStartOnce(t *testing.T) {
	s := NewStreamState("msg-1", "claude-sonnet")

	first := s.TranslateChunk(&internaldialect.Chunk{
		Candidates: []internaldialect.Candidate{{Content: internaldialect.Content{Parts: []internaldialect.Part{{Text: "hi"}}}}},
	})
	if len(first) < 3 || !strings.HasPrefix(first[0], "event: message_start") {
		t.Fatalf("expected message_start as first frame, got %v", first)
	}

	second := s.TranslateChunk(&internaldialect.Chunk{
		Candidates: []internaldialect.Candidate{{Content: internaldialect.Content{Parts: []internaldialect.Part{{Text: " there"}}}}},
	})
	for _, f := range second {
		if strings.HasPrefix(f, "event: message_start") {
			t.Fatalf("message_start must be emitted exactly once, got second batch %v", second)
		}
	}

	final := s.TranslateChunk(&internaldialect.Chunk{
		Candidates: []internaldialect.Candidate{{FinishReason: internaldialect.FinishStop}},
	})
	sawStop := false
	for _, f := range final {
		if strings.HasPrefix(f, "event: message_stop") {
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatalf("expected message_stop in terminal frames, got %v", final)
	}
}

func TestAssembleResponseSeparatesThinkingAndText(t *testing.T) {
	chunks := []*internaldialect.Chunk{
		{Candidates: []internaldialect.Candidate{{Content: internaldialect.Content{Parts: []internaldialect.Part{{Thought: true, Text: "reasoning"}}}}}},
		{Candidates: []internaldialect.Candidate{{Content: internaldialect.Content{Parts: []internaldialect.Part{{Text: "answer"}}}, FinishReason: internaldialect.FinishStop}}},
	}
	resp := AssembleResponse("msg-2", "claude-sonnet", chunks)
	if len(resp.Content) != 2 {
		t.Fatalf("expected 2 blocks (thinking, text), got %d: %+v", len(resp.Content), resp.Content)
	}
	if resp.Content[0].Type != "thinking" || resp.Content[0].Thinking != "reasoning" {
		t.Fatalf("expected thinking block first, got %+v", resp.Content[0])
	}
	if resp.Content[1].Type != "text" || resp.Content[1].Text != "answer" {
		t.Fatalf("expected text block second, got %+v", resp.Content[1])
	}
}
