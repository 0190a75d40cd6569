package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
)

// accountDetail mirrors SPEC_FULL.md's GET /api/status accountDetails shape.
type accountDetail struct {
	Index        int    `json:"index"`
	Name         string `json:"name,omitempty"`
	IsInvalid    bool   `json:"isInvalid"`
	IsDuplicate  bool   `json:"isDuplicate"`
	IsRotation   bool   `json:"isRotation"`
	IsExpired    bool   `json:"isExpired"`
	HasContext   bool   `json:"hasContext"`
	CanonicalIdx int    `json:"canonicalIndex"`
}

// handleStatus implements GET /api/status.
func (s *Server) handleStatus(c *gin.Context) {
	rotationSet := make(map[int]bool)
	for _, i := range s.auth.RotationIndices() {
		rotationSet[i] = true
	}
	dupeCanon := make(map[int]bool)
	for _, g := range s.auth.DuplicateGroups() {
		dupeCanon[g.KeptIndex] = true
	}
	expired := make(map[int]bool)
	for _, i := range s.auth.ExpiredIndices() {
		expired[i] = true
	}

	var details []accountDetail
	for _, i := range s.auth.InitialIndices() {
		canon := s.auth.Canonical(i)
		_, parsed := s.auth.Raw(i)
		details = append(details, accountDetail{
			Index:        i,
			IsInvalid:    !parsed,
			IsDuplicate:  canon != i,
			IsRotation:   rotationSet[i],
			IsExpired:    expired[i],
			HasContext:   s.pool.PageExists(i),
			CanonicalIdx: canon,
		})
	}

	features := s.cfg.Config().Features
	c.JSON(http.StatusOK, gin.H{
		"currentAuthIndex": s.rotation.CurrentIndex(),
		"accountDetails":   details,
		"counters": gin.H{
			"rotationCount": len(rotationSet),
			"totalCount":    len(details),
		},
		"flags": gin.H{
			"streamingMode":   features.StreamingMode,
			"forceThinking":   features.ForceThinking,
			"forceWebSearch":  features.ForceWebSearch,
			"forceUrlContext": features.ForceURLContext,
			"debugMode":       features.DebugMode,
			"logMaxCount":     features.LogMaxCount,
		},
	})
}

type switchAccountRequest struct {
	TargetIndex *int `json:"targetIndex"`
}

// handleSwitchAccount implements PUT /api/accounts/current.
func (s *Server) handleSwitchAccount(c *gin.Context) {
	var req switchAccountRequest
	_ = c.ShouldBindJSON(&req) // an empty/absent body means "switch to next"

	var err error
	if req.TargetIndex != nil {
		err = s.rotation.SwitchToSpecific(c.Request.Context(), *req.TargetIndex, "admin-request")
	} else {
		err = s.rotation.SwitchToNext(c.Request.Context(), "admin-request")
	}
	if err != nil {
		writeAppErrJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currentAuthIndex": s.rotation.CurrentIndex()})
}

// handleRemoveAccount implements DELETE /api/accounts/:i[?force=true]. The
// order is fixed by SPEC_FULL.md's external interfaces section: close the
// browser context before the endpoint, so the registry's resulting
// Disconnect observes a missing page and skips the reconnect attempt.
func (s *Server) handleRemoveAccount(c *gin.Context) {
	i, err := strconv.Atoi(c.Param("i"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid account index", "code": "invalid_input"}})
		return
	}
	force := c.Query("force") == "true"

	if i == s.rotation.CurrentIndex() && !force {
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{"message": "account is active; pass ?force=true to remove it anyway", "code": "invalid_input"}})
		return
	}

	s.pool.RemoveContext(i)
	s.registry.CloseEndpoint(i, "removed by admin")
	if err := s.auth.RemoveAuth(i); err != nil {
		writeAppErrJSON(c, apperr.Wrap(apperr.KindNotFound, err, "remove account %d", i))
		return
	}
	if _, err := s.auth.Reload(); err != nil {
		writeAppErrJSON(c, apperr.Wrap(apperr.KindInternal, err, "reload auth source after removing account %d", i))
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": i})
}

// handleDeduplicate implements POST /api/accounts/deduplicate.
func (s *Server) handleDeduplicate(c *gin.Context) {
	groups := s.auth.DuplicateGroups()
	for _, g := range groups {
		for _, idx := range g.RemovedIndices {
			s.pool.RemoveContext(idx)
			s.registry.CloseEndpoint(idx, "deduplicated")
			if err := s.auth.RemoveAuth(idx); err != nil {
				writeAppErrJSON(c, apperr.Wrap(apperr.KindInternal, err, "remove duplicate account %d", idx))
				return
			}
		}
	}
	if _, err := s.auth.Reload(); err != nil {
		writeAppErrJSON(c, apperr.Wrap(apperr.KindInternal, err, "reload auth source after deduplication"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// handleSetStreamingMode implements PUT /api/settings/streaming-mode.
func (s *Server) handleSetStreamingMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.Mode != "real" && req.Mode != "fake") {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": `mode must be "real" or "fake"`, "code": "invalid_input"}})
		return
	}
	newCfg, err := s.cfg.UpdateFeatures(func(f *config.FeatureToggles) { f.StreamingMode = req.Mode })
	if err != nil {
		writeAppErrJSON(c, apperr.Wrap(apperr.KindInternal, err, "persist streaming mode"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"streamingMode": newCfg.Features.StreamingMode})
}

// handleSetBoolFeature returns a handler for one of the boolean
// PUT /api/settings/{...} toggles, sharing the bind/persist/respond shape.
func (s *Server) handleSetBoolFeature(apply func(*config.FeatureToggles, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "enabled must be a boolean", "code": "invalid_input"}})
			return
		}
		newCfg, err := s.cfg.UpdateFeatures(func(f *config.FeatureToggles) { apply(f, req.Enabled) })
		if err != nil {
			writeAppErrJSON(c, apperr.Wrap(apperr.KindInternal, err, "persist feature toggle"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"features": newCfg.Features})
	}
}

// handleSetLogMaxCount implements PUT /api/settings/log-max-count.
func (s *Server) handleSetLogMaxCount(c *gin.Context) {
	var req struct {
		Count int `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Count < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "count must be a non-negative integer", "code": "invalid_input"}})
		return
	}
	newCfg, err := s.cfg.UpdateFeatures(func(f *config.FeatureToggles) { f.LogMaxCount = req.Count })
	if err != nil {
		writeAppErrJSON(c, apperr.Wrap(apperr.KindInternal, err, "persist log max count"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"logMaxCount": newCfg.Features.LogMaxCount})
}

// handleAddFile implements POST /api/files: add one credential file, then
// rebalance the pool against the new rotation set.
func (s *Server) handleAddFile(c *gin.Context) {
	var req struct {
		Index   int    `json:"index"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "code": "invalid_input"}})
		return
	}
	if err := s.writeAuthFile(req.Index, []byte(req.Content)); err != nil {
		writeAppErrJSON(c, apperr.Wrap(apperr.KindInternal, err, "write credential file %d", req.Index))
		return
	}
	s.rebalanceAfterFileChange(c)
}

// handleAddFilesBatch implements POST /api/files/batch.
func (s *Server) handleAddFilesBatch(c *gin.Context) {
	var req struct {
		Files []struct {
			Index   int    `json:"index"`
			Content string `json:"content"`
		} `json:"files"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "code": "invalid_input"}})
		return
	}
	for _, f := range req.Files {
		if err := s.writeAuthFile(f.Index, []byte(f.Content)); err != nil {
			writeAppErrJSON(c, apperr.Wrap(apperr.KindInternal, err, "write credential file %d", f.Index))
			return
		}
	}
	s.rebalanceAfterFileChange(c)
}

func (s *Server) rebalanceAfterFileChange(c *gin.Context) {
	if _, err := s.auth.Reload(); err != nil {
		writeAppErrJSON(c, apperr.Wrap(apperr.KindInternal, err, "reload auth source"))
		return
	}
	s.pool.Rebalance(c.Request.Context(), s.auth.RotationIndices())
	c.JSON(http.StatusOK, gin.H{"rotationIndices": s.auth.RotationIndices()})
}
