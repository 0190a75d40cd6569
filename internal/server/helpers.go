package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
)

// nowUnix stamps the "created" epoch of outbound OpenAI responses, both
// streaming and non-streaming.
func nowUnix() int64 { return time.Now().Unix() }

// writeAuthFile writes one credential file into the configured auth
// directory, matching authsource's auth-<N>.json naming convention.
func (s *Server) writeAuthFile(index int, content []byte) error {
	path := filepath.Join(s.cfg.Config().AuthDir, fmt.Sprintf("auth-%d.json", index))
	return os.WriteFile(path, content, 0o600)
}

// apperrParts decomposes err into the HTTP status, machine-readable code,
// and message every dialect's own error envelope wraps differently.
func apperrParts(err error) (status int, code, message string) {
	if ae, ok := err.(*apperr.Error); ok {
		return ae.Kind.HTTPStatus(), ae.Kind.Code(), ae.Message
	}
	return 500, "internal", err.Error()
}
