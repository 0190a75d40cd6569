package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
)

// FileDebugSink persists a screenshot and serialized DOM per failed context
// init to disk, namespaced by account index, failure reason, and timestamp,
// so an operator can diagnose why a context failed without reproducing it.
type FileDebugSink struct {
	dir string
	log *logging.Logger
}

// NewFileDebugSink creates a sink rooted at dir, creating it if necessary.
func NewFileDebugSink(dir string, log *logging.Logger) *FileDebugSink {
	if log == nil {
		log = logging.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("debug dir create failed", zap.String("dir", dir), zap.Error(err))
	}
	return &FileDebugSink{dir: dir, log: log}
}

// Persist implements DebugSink.
func (s *FileDebugSink) Persist(index int, reason string, screenshot []byte, dom string) {
	if len(screenshot) == 0 && dom == "" {
		return
	}
	ts := time.Now().UTC().Format("20060102T150405.000Z")
	base := filepath.Join(s.dir, fmt.Sprintf("%d-%s-%s", index, reason, ts))

	if len(screenshot) > 0 {
		if err := os.WriteFile(base+".png", screenshot, 0o644); err != nil {
			s.log.Warn("debug screenshot write failed", zap.Int("account_index", index), zap.Error(err))
		}
	}
	if dom != "" {
		if err := os.WriteFile(base+".html", []byte(dom), 0o644); err != nil {
			s.log.Warn("debug dom write failed", zap.Int("account_index", index), zap.Error(err))
		}
	}
}
