package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aistudio-proxy/aistudio-proxy/internal/handler"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/openai"
)

// handleChatCompletions implements POST /v1/chat/completions.
func (s *Server) handleChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "code": "invalid_input"}})
		return
	}

	translated, err := openai.TranslateRequest(&req, s.cfg.Config().Features)
	if err != nil {
		writeAppErrJSON(c, err)
		return
	}

	requestID := uuid.NewString()
	res, err := s.dispatch.Handle(c.Request.Context(), requestID, translated.Internal, translated.Stream)
	if err != nil {
		writeAppErrJSON(c, err)
		return
	}

	if translated.Stream {
		s.streamOpenAI(c, requestID, translated.CleanModel, res)
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

	resp := openai.AssembleResponse(requestID, nowUnix(), translated.CleanModel, chunks)
	c.JSON(outcome.StatusCode, resp)
}

func (s *Server) streamOpenAI(c *gin.Context, requestID, model string, res *handler.Result) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	state := openai.NewStreamState(requestID, nowUnix(), model)
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
	io.WriteString(c.Writer, state.Done())
	if flusher != nil {
		flusher.Flush()
	}
}

func writeAppErrJSON(c *gin.Context, err error) {
	status, code, msg := apperrParts(err)
	c.JSON(status, gin.H{"error": gin.H{"message": msg, "code": code}})
}
