package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox-preview/internal/api/middleware"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/broker"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/capture"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/executor"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/surface"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/workspace"
	"github.com/GriffinCanCode/sandbox-preview/internal/shared/validate"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	workspace *workspace.Workspace
	capture   *capture.Host
	executor  *executor.Client
	metrics   *monitoring.Metrics
	log       *logging.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(
	ws *workspace.Workspace,
	captureHost *capture.Host,
	exec *executor.Client,
	metrics *monitoring.Metrics,
	log *logging.Logger,
) *Handlers {
	return &Handlers{
		workspace: ws,
		capture:   captureHost,
		executor:  exec,
		metrics:   metrics,
		log:       logging.OrNop(log).Component("http"),
	}
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "sandbox-preview",
		"version": "1.0.0",
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	snap := h.metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"surfaces":         len(h.workspace.IDs()),
		"active_instances": snap.ActiveInstances,
		"capture_targets":  h.capture.Active(),
		"executor_breaker": h.executor.BreakerState().String(),
		"rebuilds":         snap.TotalRebuilds,
		"stale_dropped":    snap.StaleDropped,
		"uptime_seconds":   snap.UptimeSeconds,
		"timestamp":        time.Now().Unix(),
	})
}

// AssembleResponse is the JSON form of an assembled document
type AssembleResponse struct {
	HTML       string   `json:"html"`
	LineOffset int      `json:"line_offset"`
	Hash       string   `json:"hash"`
	Warnings   []string `json:"warnings,omitempty"`
}

func assembleResponse(doc *assemble.Document) AssembleResponse {
	resp := AssembleResponse{HTML: doc.HTML, LineOffset: doc.LineOffset, Hash: doc.Hash}
	for _, w := range doc.Warnings {
		resp.Warnings = append(resp.Warnings, w.Error())
	}
	return resp
}

// Assemble builds a document from a bundle without mounting it
func (h *Handlers) Assemble(c *gin.Context) {
	var bundle source.Bundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bundle: " + err.Error()})
		return
	}
	if err := validateBundle(bundle); err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, assembleResponse(h.workspace.Assembler().Assemble(bundle)))
}

// ListSurfaces lists mounted surfaces
func (h *Handlers) ListSurfaces(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"surfaces": h.workspace.IDs()})
}

// surfaceState is the body returned after an edit or activation
type surfaceState struct {
	Surface  string `json:"surface"`
	State    string `json:"state"`
	Instance string `json:"instance,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

func stateOf(m *workspace.Mount) surfaceState {
	st := surfaceState{Surface: m.Surface.ID(), State: m.Controller.State().String()}
	if inst := m.Surface.Current(); inst != nil {
		st.Instance = inst.ID
		st.Hash = inst.Document.Hash
	}
	return st
}

// PutSources replaces a surface's fragments and schedules a rebuild
func (h *Handlers) PutSources(c *gin.Context) {
	surfaceID, ok := h.surfaceID(c)
	if !ok {
		return
	}
	var bundle source.Bundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bundle: " + err.Error()})
		return
	}
	if err := validateBundle(bundle); err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	m := h.workspace.SetFragments(surfaceID, bundle)
	c.JSON(http.StatusAccepted, stateOf(m))
}

// FilesRequest is a project save with unsaved editor buffers
type FilesRequest struct {
	Files     source.FileSet       `json:"files"`
	Live      map[string]string    `json:"live"`
	Discard   []string             `json:"discard"`
	Overrides source.RoleOverrides `json:"overrides"`
}

// PutFiles updates a surface's project files and schedules a rebuild
func (h *Handlers) PutFiles(c *gin.Context) {
	surfaceID, ok := h.surfaceID(c)
	if !ok {
		return
	}
	var req FilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file update: " + err.Error()})
		return
	}
	m := h.workspace.SetFiles(surfaceID, workspace.FileUpdate{
		Files:     req.Files,
		Live:      req.Live,
		Discard:   req.Discard,
		Overrides: req.Overrides,
	})
	c.JSON(http.StatusAccepted, stateOf(m))
}

// surfaceID returns :id when it is safe to mount under, or writes a 400
func (h *Handlers) surfaceID(c *gin.Context) (string, bool) {
	surfaceID := c.Param("id")
	if err := validate.ID(surfaceID, "surface id"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return surfaceID, true
}

func validateBundle(b source.Bundle) error {
	return validate.Size([]byte(b.HTML+b.CSS+b.JS), validate.MaxBundleSize)
}

// mount resolves :id or writes a 404
func (h *Handlers) mount(c *gin.Context) (*workspace.Mount, bool) {
	m, err := h.workspace.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Surface not found"})
		return nil, false
	}
	return m, true
}

// Activate rebuilds a surface at once unless a rebuild is already pending
func (h *Handlers) Activate(c *gin.Context) {
	m, ok := h.mount(c)
	if !ok {
		return
	}
	rebuilt, err := m.Controller.Activate()
	if err != nil && !errors.Is(err, surface.ErrSuperseded) {
		h.log.Warn("Activation failed", logging.Surface(m.Surface.ID()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	st := stateOf(m)
	c.JSON(http.StatusOK, gin.H{"rebuilt": rebuilt, "surface": st.Surface, "state": st.State, "instance": st.Instance, "hash": st.Hash})
}

// Flush runs a pending rebuild now
func (h *Handlers) Flush(c *gin.Context) {
	m, ok := h.mount(c)
	if !ok {
		return
	}
	if err := m.Controller.Flush(); err != nil && !errors.Is(err, surface.ErrSuperseded) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stateOf(m))
}

// Document serves the live document of a surface
func (h *Handlers) Document(c *gin.Context) {
	m, ok := h.mount(c)
	if !ok {
		return
	}
	inst := m.Surface.Current()
	if inst == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Surface has not been built"})
		return
	}
	c.Header(middleware.HeaderInstance, inst.ID)
	c.Header(middleware.HeaderHash, inst.Document.Hash)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(inst.Document.HTML))
}

// Console returns the console history of a surface. ?since=<seq> returns
// only newer entries.
func (h *Handlers) Console(c *gin.Context) {
	m, ok := h.mount(c)
	if !ok {
		return
	}
	history := m.Surface.Broker().History()

	var entries []broker.Entry
	if raw := c.Query("since"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since parameter"})
			return
		}
		entries = history.Since(since)
	} else {
		entries = history.Entries()
	}
	if entries == nil {
		entries = []broker.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"surface": m.Surface.ID(), "entries": entries})
}

// ClearConsole empties the console history of a surface
func (h *Handlers) ClearConsole(c *gin.Context) {
	m, ok := h.mount(c)
	if !ok {
		return
	}
	m.Surface.Broker().History().Clear()
	c.Status(http.StatusNoContent)
}

// PostMessage delivers a host message (code-content, language-switch, ...)
// to the live instance of a surface
func (h *Handlers) PostMessage(c *gin.Context) {
	m, ok := h.mount(c)
	if !ok {
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read message"})
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.Type.Core() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only the sandbox may send " + string(msg.Type)})
		return
	}
	if err := validate.Payload(msg.Payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := m.Surface.Post(c.Request.Context(), msg); err != nil {
		if errors.Is(err, surface.ErrNoInstance) {
			c.JSON(http.StatusConflict, gin.H{"error": "Surface has not been built"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

// Unmount closes a surface
func (h *Handlers) Unmount(c *gin.Context) {
	if err := h.workspace.Unmount(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Surface not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Capture renders a bundle off-screen and returns the snapshot. Data is
// gzip-compressed markup, base64 encoded by the JSON encoder.
func (h *Handlers) Capture(c *gin.Context) {
	var bundle source.Bundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bundle: " + err.Error()})
		return
	}
	if err := validateBundle(bundle); err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	snap, err := h.capture.Capture(c.Request.Context(), bundle)
	if err != nil {
		var ce *capture.CaptureError
		if errors.As(err, &ce) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ce.Error(), "reason": ce.Reason})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Execute runs code on the execution backend on behalf of a host client
func (h *Handlers) Execute(c *gin.Context) {
	var req protocol.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid execute request: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.executor.Respond(c.Request.Context(), &req))
}
