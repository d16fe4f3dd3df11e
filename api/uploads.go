package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/courseupload/session"
	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
	"github.com/moyoez/courseupload/uploader"
)

// CreateUploadRequest is the body of POST /uploads.
type CreateUploadRequest struct {
	Path        string            `json:"path" binding:"required"`
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	ObjectKey   string            `json:"objectKey" binding:"required"`
	Metadata    map[string]string `json:"metadata"`
	Encrypt     bool              `json:"encrypt"`
	ChunkSize   int64             `json:"chunkSize"`
	Concurrency int               `json:"concurrency"`
	ResumeID    string            `json:"resumeId"`
}

// UploadView combines the stored session with the live status of its run, if any.
type UploadView struct {
	Session *types.UploadSession `json:"session,omitempty"`
	Status  *types.UploadStatus  `json:"status,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	sessions, err := s.uploads.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, tool.FastReturnError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(gin.H{
		"running":         true,
		"uptimeSeconds":   int64(time.Since(s.started).Seconds()),
		"sessions":        len(sessions),
		"notifyWsEnabled": s.hub != nil,
	}))
}

func (s *Server) handleNetwork(c *gin.Context) {
	if s.sampler == nil {
		c.JSON(http.StatusServiceUnavailable, tool.FastReturnError("network sampler disabled"))
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(s.sampler.Measure(c.Request.Context())))
}

func (s *Server) handleListUploads(c *gin.Context) {
	sessions, err := s.uploads.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, tool.FastReturnError(err.Error()))
		return
	}
	views := make([]UploadView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.view(sess.ID, sess))
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(views))
}

func (s *Server) handleCreateUpload(c *gin.Context) {
	var req CreateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("invalid request: "+err.Error()))
		return
	}
	h, err := s.uploads.Start(c.Request.Context(), types.FileRef{
		Path:        req.Path,
		Name:        req.Name,
		ContentType: req.ContentType,
	}, types.Destination{
		ObjectKey: req.ObjectKey,
		Metadata:  req.Metadata,
	}, uploader.Options{
		Encrypt:     req.Encrypt,
		ChunkSize:   req.ChunkSize,
		Concurrency: req.Concurrency,
		ResumeID:    req.ResumeID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	tool.DefaultLogger.Infof("[API] Started upload %s for %s", h.ID(), req.ObjectKey)
	c.JSON(http.StatusAccepted, tool.FastReturnSuccessWithData(gin.H{"sessionId": h.ID()}))
}

func (s *Server) handleGetUpload(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.uploads.Store().Get(c.Request.Context(), id)
	if err != nil && !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrExpired) {
		c.JSON(http.StatusInternalServerError, tool.FastReturnError(err.Error()))
		return
	}
	view := s.view(id, sess)
	if view.Session == nil && view.Status == nil {
		c.JSON(http.StatusNotFound, tool.FastReturnError("upload not found"))
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(view))
}

func (s *Server) handleResumeUpload(c *gin.Context) {
	h, err := s.uploads.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, tool.FastReturnSuccessWithData(gin.H{"sessionId": h.ID()}))
}

func (s *Server) handleCancelUpload(c *gin.Context) {
	if err := s.uploads.CancelSession(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccess())
}

func (s *Server) handleDeleteUpload(c *gin.Context) {
	// a discard must finish even when the client hangs up
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 30*time.Second)
	defer cancel()
	if err := s.uploads.Discard(ctx, c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccess())
}

func (s *Server) view(id string, sess *types.UploadSession) UploadView {
	v := UploadView{Session: sess}
	if h, ok := s.uploads.Handle(id); ok {
		st := h.Status()
		v.Status = &st
	}
	return v
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, os.ErrNotExist):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, uploader.ErrBusy):
		status, code = http.StatusConflict, "busy"
	case errors.Is(err, uploader.ErrMaterialUnavailable):
		status, code = http.StatusConflict, "material_unavailable"
	case errors.Is(err, session.ErrMismatch):
		status, code = http.StatusConflict, "mismatch"
	}
	c.JSON(status, tool.FastReturnErrorWithData(err.Error(), map[string]any{"code": code}))
}
