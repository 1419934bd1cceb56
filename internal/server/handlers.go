package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/exthost/internal/extension"
	"github.com/dshills/exthost/internal/extension/contrib"
	"github.com/dshills/exthost/internal/extension/fetch"
	"github.com/dshills/exthost/internal/extension/manifest"
	"github.com/dshills/exthost/internal/extension/memento"
	"github.com/dshills/exthost/internal/extension/sandbox"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// LoadRequest is the body of POST /api/extensions.
type LoadRequest struct {
	Location string `json:"location" binding:"required"`
}

// DispatchRequest is the body of POST /api/dispatch.
type DispatchRequest struct {
	Event string `json:"event" binding:"required"`
}

// DispatchResponse reports the outcome of a dispatch.
type DispatchResponse struct {
	Event      string            `json:"event"`
	Interested []string          `json:"interested"`
	Failed     map[string]string `json:"failed,omitempty"`
}

// ValidateSettingRequest is the body of POST /api/settings/validate.
type ValidateSettingRequest struct {
	Key   string `json:"key" binding:"required"`
	Value any    `json:"value"`
}

func (s *Server) registerRoutes(rg *gin.RouterGroup) {
	rg.GET("/extensions", s.handleList)
	rg.POST("/extensions", s.handleLoad)
	rg.GET("/extensions/:id", s.handleGet)
	rg.DELETE("/extensions/:id", s.handleUnload)
	rg.POST("/extensions/:id/activate", s.handleActivate)
	rg.POST("/extensions/:id/deactivate", s.handleDeactivate)
	rg.POST("/extensions/:id/reload", s.handleReload)
	rg.GET("/extensions/:id/state/:scope", s.handleState)
	rg.GET("/active", s.handleActive)
	rg.GET("/contributions", s.handleContributions)
	rg.GET("/contributions/:kind", s.handleContributionKind)
	rg.GET("/events", s.handleEvents)
	rg.POST("/dispatch", s.handleDispatch)
	rg.POST("/settings/validate", s.handleValidateSetting)
}

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetString("request_id"); id != "" {
		return id
	}
	requestID := c.GetHeader(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(RequestIDHeader, requestID)
	return requestID
}

func (s *Server) fail(c *gin.Context, status int, code string, err error) {
	requestID := getOrCreateRequestID(c)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("request_id", requestID),
			zap.String("code", code),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		RequestID: requestID,
	})
}

func infos(exts []*extension.Extension) []extension.Info {
	out := make([]extension.Info, 0, len(exts))
	for _, e := range exts {
		out = append(out, e.Info())
	}
	return out
}

// lookup resolves :id or writes a 404.
func (s *Server) lookup(c *gin.Context) (*extension.Extension, bool) {
	id := c.Param("id")
	ext, ok := s.ctrl.Get(id)
	if !ok {
		s.fail(c, http.StatusNotFound, "EXTENSION_NOT_FOUND", extension.ErrExtensionNotFound)
		return nil, false
	}
	return ext, true
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, infos(s.ctrl.Extensions()))
}

func (s *Server) handleActive(c *gin.Context) {
	c.JSON(http.StatusOK, infos(s.ctrl.ActiveExtensions()))
}

func (s *Server) handleGet(c *gin.Context) {
	ext, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ext.Info())
}

// handleLoad handles POST /api/extensions.
//
// Response:
//
//	201 Created: Info
//	400 Bad Request: body or location rejected by the sandbox
//	404 Not Found: no manifest at the location
//	422 Unprocessable Entity: invalid or incompatible manifest
//	502 Bad Gateway: manifest fetch failed
func (s *Server) handleLoad(c *gin.Context) {
	var req LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}

	ext, err := s.ctrl.Load(c.Request.Context(), req.Location)
	if err != nil {
		status, code := loadStatus(err)
		s.fail(c, status, code, err)
		return
	}
	c.JSON(http.StatusCreated, ext.Info())
}

func loadStatus(err error) (int, string) {
	switch {
	case errors.Is(err, sandbox.ErrInvalidOrigin),
		errors.Is(err, sandbox.ErrInvalidLocation),
		errors.Is(err, sandbox.ErrPathTraversal),
		errors.Is(err, sandbox.ErrCrossOrigin):
		return http.StatusBadRequest, "INVALID_LOCATION"
	case errors.Is(err, fetch.ErrNotFound):
		return http.StatusNotFound, "MANIFEST_NOT_FOUND"
	case errors.Is(err, manifest.ErrIncompatibleEngine):
		return http.StatusUnprocessableEntity, "INCOMPATIBLE_ENGINE"
	case errors.Is(err, manifest.ErrInvalidManifest):
		return http.StatusUnprocessableEntity, "INVALID_MANIFEST"
	default:
		return http.StatusBadGateway, "LOAD_FAILED"
	}
}

func (s *Server) handleUnload(c *gin.Context) {
	ext, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := s.ctrl.Unload(c.Request.Context(), ext.ID); err != nil {
		s.fail(c, http.StatusInternalServerError, "UNLOAD_FAILED", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleActivate(c *gin.Context) {
	ext, ok := s.lookup(c)
	if !ok {
		return
	}
	if _, err := s.ctrl.Activate(c.Request.Context(), ext.ID); err != nil {
		status, code := http.StatusInternalServerError, "ACTIVATION_FAILED"
		switch {
		case errors.Is(err, extension.ErrDependencyNotFound),
			errors.Is(err, extension.ErrCyclicDependency):
			status, code = http.StatusConflict, "DEPENDENCY_ERROR"
		case errors.Is(err, c.Request.Context().Err()):
			status, code = http.StatusRequestTimeout, "CANCELLED"
		}
		s.fail(c, status, code, err)
		return
	}
	c.JSON(http.StatusOK, ext.Info())
}

func (s *Server) handleDeactivate(c *gin.Context) {
	ext, ok := s.lookup(c)
	if !ok {
		return
	}
	_ = s.ctrl.Deactivate(c.Request.Context(), ext.ID)
	c.JSON(http.StatusOK, ext.Info())
}

func (s *Server) handleReload(c *gin.Context) {
	ext, ok := s.lookup(c)
	if !ok {
		return
	}
	next, err := s.ctrl.Reload(c.Request.Context(), ext.ID)
	if err != nil {
		status, code := loadStatus(err)
		s.fail(c, status, code, err)
		return
	}
	c.JSON(http.StatusOK, next.Info())
}

func (s *Server) handleState(c *gin.Context) {
	ext, ok := s.lookup(c)
	if !ok {
		return
	}

	var m *memento.Memento
	switch c.Param("scope") {
	case memento.NamespaceGlobal:
		m = s.ctrl.State().Global(ext.ID)
	case memento.NamespaceWorkspace:
		m = s.ctrl.State().Workspace(ext.ID)
	default:
		s.fail(c, http.StatusBadRequest, "INVALID_SCOPE", errors.New("scope must be global or workspace"))
		return
	}

	values := make(map[string]any)
	for _, k := range m.Keys() {
		if v, ok := m.Get(k); ok {
			values[k] = v
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"key":    m.StorageKey(),
		"scope":  m.Namespace(),
		"values": values,
	})
}

func (s *Server) handleContributions(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Contributions().Snapshot())
}

func (s *Server) handleContributionKind(c *gin.Context) {
	kind, err := contrib.ParseKind(c.Param("kind"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, "UNKNOWN_KIND", err)
		return
	}
	c.JSON(http.StatusOK, s.ctrl.Contributions().Records(kind))
}

func (s *Server) handleEvents(c *gin.Context) {
	index := s.ctrl.Events()
	out := make(map[string][]string)
	for _, ev := range index.Events() {
		out[ev] = index.Lookup(ev)
	}
	c.JSON(http.StatusOK, out)
}

// handleDispatch activates every extension interested in the event.
// Individual failures are reported in the body; the status is 200 as
// long as the dispatch ran.
func (s *Server) handleDispatch(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}

	interested := s.ctrl.Events().Lookup(req.Event)
	_ = s.ctrl.Dispatch(c.Request.Context(), req.Event)

	resp := DispatchResponse{Event: req.Event, Interested: interested}
	for _, id := range interested {
		ext, ok := s.ctrl.Get(id)
		if !ok || ext.IsActive() {
			continue
		}
		if resp.Failed == nil {
			resp.Failed = make(map[string]string)
		}
		msg := "not active"
		if err := ext.Err(); err != nil {
			msg = err.Error()
		}
		resp.Failed[id] = msg
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleValidateSetting(c *gin.Context) {
	var req ValidateSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	if err := s.ctrl.Contributions().ValidateSetting(req.Key, req.Value); err != nil {
		status, code := http.StatusUnprocessableEntity, "INVALID_SETTING"
		if errors.Is(err, contrib.ErrUnknownSetting) {
			status, code = http.StatusNotFound, "UNKNOWN_SETTING"
		}
		s.fail(c, status, code, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "valid": true})
}
