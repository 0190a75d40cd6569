package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/gemini"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

// handleGenerateContent implements both
// POST /v1beta/models/<model>:generateContent and
// POST /v1beta/models/<model>:streamGenerateContent?alt=sse, distinguished
// by the ":verb" suffix gin's :model wildcard captures whole.
func (s *Server) handleGenerateContent(c *gin.Context) {
	raw := c.Param("model")
	model, stream := splitModelVerb(raw)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "code": "invalid_input"}})
		return
	}
	req, err := gemini.UnmarshalBody(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "code": "invalid_input"}})
		return
	}

	translated, err := gemini.TranslateRequest(model, req, stream, s.cfg.Config().Features)
	if err != nil {
		writeAppErrJSON(c, err)
		return
	}

	requestID := uuid.NewString()
	res, dErr := s.dispatch.Handle(c.Request.Context(), requestID, translated.Internal, stream)
	if dErr != nil {
		writeAppErrJSON(c, dErr)
		return
	}

	if stream {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Status(http.StatusOK)
		state := gemini.NewStreamState()
		flusher, _ := c.Writer.(http.Flusher)
		for chunk := range res.Chunks {
			for _, frame := range state.TranslateChunk(chunk) {
				io.WriteString(c.Writer, frame)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		<-res.Done
		return
	}

	var chunks []*internaldialect.Chunk
	for chunk := range res.Chunks {
		chunks = append(chunks, chunk)
	}
	outcome := <-res.Done
	if outcome.Err != nil {
		writeAppErrJSON(c, outcome.Err)
		return
	}
	c.JSON(outcome.StatusCode, gemini.AssembleResponse(chunks))
}

// splitModelVerb splits gin's captured ":model" path segment (which also
// carries gemini's colon-delimited RPC verb, e.g. "gemini-pro:generateContent")
// into the bare model name and whether the verb requests streaming.
func splitModelVerb(raw string) (model string, stream bool) {
	raw = strings.TrimPrefix(raw, "/")
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return raw, false
	}
	return raw[:idx], raw[idx+1:] == "streamGenerateContent"
}
