package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/enterprise/aegis-trust/internal/access"
	"github.com/enterprise/aegis-trust/internal/analysis"
	"github.com/enterprise/aegis-trust/internal/enclave"
	"github.com/enterprise/aegis-trust/internal/store"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ObjectsHandler provides REST endpoints for sealing and unlocking objects
type ObjectsHandler struct {
	enclave *enclave.Service
	gate    *access.Gate
	logger  *logrus.Logger
}

func NewObjectsHandler(enc *enclave.Service, gate *access.Gate, logger *logrus.Logger) *ObjectsHandler {
	return &ObjectsHandler{
		enclave: enc,
		gate:    gate,
		logger:  logger,
	}
}

// Engine builds a gin engine serving the handler under prefix
func (h *ObjectsHandler) Engine(prefix string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), h.requestLogger())
	h.RegisterRoutes(engine.Group(prefix))
	return engine
}

// RegisterRoutes registers the object routes on the group
func (h *ObjectsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("", h.Seal)
	r.GET("", h.List)
	r.GET("/:id", h.Get)
	r.GET("/:id/status", h.Status)
	r.POST("/:id/unlock", h.Unlock)
	r.POST("/:id/relock", h.Relock)
}

// Seal binds a new object to the presented biometric context and stores it
func (h *ObjectsHandler) Seal(c *gin.Context) {
	var req enclave.SealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}

	file, err := h.enclave.Seal(c.Request.Context(), &req)
	if err != nil {
		code := "invalid_request"
		switch {
		case errors.Is(err, enclave.ErrMissingFeatureVector):
			code = "missing_feature_vector"
		case errors.Is(err, enclave.ErrInvalidPolicy):
			code = "invalid_policy"
		}
		h.respondError(c, http.StatusBadRequest, code, err.Error(), err)
		return
	}

	if err := h.gate.Register(c.Request.Context(), file); err != nil {
		if errors.Is(err, store.ErrObjectExists) {
			h.respondError(c, http.StatusConflict, "object_exists", err.Error(), err)
			return
		}
		h.respondError(c, http.StatusInternalServerError, "storage_error", "Failed to store sealed object", err)
		return
	}

	c.JSON(http.StatusCreated, file)
}

func (h *ObjectsHandler) List(c *gin.Context) {
	files, err := h.gate.List(c.Request.Context())
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "storage_error", "Failed to list sealed objects", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"objects": files,
		"count":   len(files),
	})
}

func (h *ObjectsHandler) Get(c *gin.Context) {
	file, err := h.gate.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

func (h *ObjectsHandler) Status(c *gin.Context) {
	status, err := h.gate.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Unlock evaluates one analysis report against the object. Denials are 403,
// lockout refusals 423.
func (h *ObjectsHandler) Unlock(c *gin.Context) {
	var report types.AnalysisReport
	if err := c.ShouldBindJSON(&report); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}
	if err := analysis.Validate(&report); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_report", err.Error(), err)
		return
	}

	result, err := h.gate.Unlock(c.Request.Context(), c.Param("id"), &report)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	switch {
	case result.Decision.Allowed:
		c.JSON(http.StatusOK, result)
	case result.Decision.Reason == access.ReasonLockedOut:
		c.JSON(http.StatusLocked, result)
	default:
		c.JSON(http.StatusForbidden, result)
	}
}

func (h *ObjectsHandler) Relock(c *gin.Context) {
	relocked, err := h.gate.Relock(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"object_id": c.Param("id"),
		"relocked":  relocked,
	})
}

func (h *ObjectsHandler) respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrObjectNotFound) {
		h.respondError(c, http.StatusNotFound, "not_found", "Sealed object not found", err)
		return
	}
	h.respondError(c, http.StatusInternalServerError, "storage_error", "Failed to access sealed object", err)
}

func (h *ObjectsHandler) respondError(c *gin.Context, status int, code, message string, err error) {
	fields := logrus.Fields{
		"status": status,
		"path":   c.Request.URL.Path,
	}
	if id := c.Param("id"); id != "" {
		fields["object_id"] = id
	}

	entry := h.logger.WithFields(fields).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error(message)
	} else {
		entry.Debug(message)
	}

	c.JSON(status, ErrorResponse{
		Error:   code,
		Message: message,
		Code:    status,
	})
}

func (h *ObjectsHandler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		h.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("Object request")
	}
}
