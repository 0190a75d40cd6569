// Package gemini translates the Gemini generateContent wire format, which is
// already shaped like the internal dialect. Translation here is mostly
// pass-through: the work is applying the sanitization and forced-toggle
// rules every dialect must apply, not reshaping turns.
package gemini

import (
	"encoding/json"
	"strings"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/schema"
)

// GenerateRequest is the inbound Gemini-shaped request body. It reuses the
// internal dialect's types directly since the wire shape matches; only
// fields the client is allowed to set are exposed here.
type GenerateRequest struct {
	Contents          []internaldialect.Content         `json:"contents"`
	SystemInstruction *internaldialect.Content           `json:"systemInstruction,omitempty"`
	Tools             []internaldialect.Tool             `json:"tools,omitempty"`
	ToolConfig        *internaldialect.ToolConfig         `json:"toolConfig,omitempty"`
	GenerationConfig  *internaldialect.GenerationConfig   `json:"generationConfig,omitempty"`
	SafetySettings    []internaldialect.SafetySetting     `json:"safetySettings,omitempty"`
}

// Translated is the result of translating one request. Model and stream
// flag are carried separately since Gemini encodes them in the URL path
// (":generateContent" vs. ":streamGenerateContent?alt=sse") rather than the
// body.
type Translated struct {
	CleanModel string
	Internal   *internaldialect.GenerateRequest
	Stream     bool
}

// TranslateRequest sanitizes an inbound Gemini request: strips disallowed
// schema keys from tool/response schemas, forces all-BLOCK_NONE safety
// settings, and applies the server's forced toggles regardless of what the
// client's tools/generationConfig already specify.
func TranslateRequest(model string, req *GenerateRequest, stream bool, features config.FeatureToggles) (*Translated, error) {
	if len(req.Contents) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "contents must not be empty")
	}

	cleanModel, wantSearch, wantURLContext := parseModelSuffixes(model)
	cleanModel, suffixLevel, hasSuffixLevel := internaldialect.ParseThinkingSuffix(cleanModel)

	genCfg := req.GenerationConfig
	if genCfg == nil {
		genCfg = &internaldialect.GenerationConfig{}
	}
	if len(genCfg.ResponseSchema) > 0 {
		genCfg.ResponseSchema = schema.Sanitize(genCfg.ResponseSchema)
	}
	// A model-name thinking-level suffix always wins, even over an explicit
	// thinkingConfig the client set in the body.
	switch {
	case hasSuffixLevel:
		genCfg.ThinkingConfig = &internaldialect.ThinkingConfig{IncludeThoughts: true, ThinkingLevel: suffixLevel}
	case genCfg.ThinkingConfig != nil:
		genCfg.ThinkingConfig.IncludeThoughts = true
	case features.ForceThinking:
		genCfg.ThinkingConfig = &internaldialect.ThinkingConfig{IncludeThoughts: true, ThinkingLevel: "MEDIUM"}
	}

	tools := req.Tools
	for i := range tools {
		for j := range tools[i].FunctionDeclarations {
			if len(tools[i].FunctionDeclarations[j].Parameters) > 0 {
				tools[i].FunctionDeclarations[j].Parameters = schema.Sanitize(tools[i].FunctionDeclarations[j].Parameters)
			}
		}
	}
	if (features.ForceWebSearch || wantSearch) && !hasSearchTool(tools) {
		tools = append(tools, internaldialect.Tool{GoogleSearch: &struct{}{}})
	}
	if (features.ForceURLContext || wantURLContext) && !hasURLContextTool(tools) {
		tools = append(tools, internaldialect.Tool{URLContext: &struct{}{}})
	}

	internal := &internaldialect.GenerateRequest{
		Contents:          req.Contents,
		SystemInstruction: req.SystemInstruction,
		Tools:             tools,
		ToolConfig:        req.ToolConfig,
		GenerationConfig:  genCfg,
		SafetySettings:    internaldialect.AllSafetySettingsOff(),
	}
	return &Translated{CleanModel: cleanModel, Internal: internal, Stream: stream}, nil
}

func hasSearchTool(tools []internaldialect.Tool) bool {
	for _, t := range tools {
		if t.GoogleSearch != nil {
			return true
		}
	}
	return false
}

func hasURLContextTool(tools []internaldialect.Tool) bool {
	for _, t := range tools {
		if t.URLContext != nil {
			return true
		}
	}
	return false
}

// parseModelSuffixes strips the proxy's own "-search"/"-urlcontext" suffixes.
// The spec's thinking-level suffix grammar is handled separately by
// internaldialect.ParseThinkingSuffix.
func parseModelSuffixes(model string) (clean string, search, urlContext bool) {
	clean = model
	suffixes := map[string]*bool{
		"-search":     &search,
		"-urlcontext": &urlContext,
	}
	changed := true
	for changed {
		changed = false
		for suf, flag := range suffixes {
			if strings.HasSuffix(clean, suf) {
				*flag = true
				clean = strings.TrimSuffix(clean, suf)
				changed = true
			}
		}
	}
	return clean, search, urlContext
}

// UnmarshalBody decodes a raw Gemini request body before calling
// TranslateRequest.
func UnmarshalBody(raw []byte) (*GenerateRequest, error) {
	var req GenerateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, err, "decode generateContent body")
	}
	return &req, nil
}
