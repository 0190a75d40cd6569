package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aistudio-proxy/aistudio-proxy/internal/handler"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/anthropic"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

// handleMessages implements POST /v1/messages.
func (s *Server) handleMessages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"type": "error", "error": gin.H{"type": "invalid_request_error", "message": err.Error()}})
		return
	}

	translated, err := anthropic.TranslateRequest(&req, s.cfg.Config().Features)
	if err != nil {
		writeAnthropicErrJSON(c, err)
		return
	}

	requestID := "msg_" + uuid.NewString()
	res, err := s.dispatch.Handle(c.Request.Context(), requestID, translated.Internal, translated.Stream)
	if err != nil {
		writeAnthropicErrJSON(c, err)
		return
	}

	if translated.Stream {
		s.streamAnthropic(c, requestID, translated.CleanModel, res)
		return
	}

	var chunks []*internaldialect.Chunk
	for chunk := range res.Chunks {
		chunks = append(chunks, chunk)
	}
	outcome := <-res.Done
	if outcome.Err != nil {
		writeAnthropicErrJSON(c, outcome.Err)
		return
	}

	resp := anthropic.AssembleResponse(requestID, translated.CleanModel, chunks)
	c.JSON(outcome.StatusCode, resp)
}

func (s *Server) streamAnthropic(c *gin.Context, requestID, model string, res *handler.Result) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	state := anthropic.NewStreamState(requestID, model)
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
}

func writeAnthropicErrJSON(c *gin.Context, err error) {
	status, kind, msg := apperrParts(err)
	c.JSON(status, gin.H{"type": "error", "error": gin.H{"type": kind, "message": msg}})
}
