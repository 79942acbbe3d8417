package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/serroba/scenesync/internal/acl"
	"github.com/serroba/scenesync/internal/collab"
	"github.com/serroba/scenesync/internal/crdt"
)

// SaveDocumentResponse is the response body for an explicit save.
type SaveDocumentResponse struct {
	SnapshotID string              `json:"snapshotId"`
	Summary    crdt.VersionSummary `json:"summary"`
	CapturedAt time.Time           `json:"capturedAt"`
}

// ShareRequest is the request body for granting a role.
type ShareRequest struct {
	UserID string    `json:"userId" binding:"required,max=128"`
	Role   *acl.Role `json:"role" binding:"required"`
}

// authorize checks action for the caller. Documents nobody has access to
// are reported as missing.
func (s *Server) authorize(ctx context.Context, docID, userID string, action acl.Action) error {
	err := s.checker.RequirePermission(ctx, docID, userID, action)
	if !errors.Is(err, acl.ErrAccessDenied) {
		return err
	}

	perms, listErr := s.checker.Store().ListPermissions(ctx, docID)
	if listErr == nil && len(perms) == 0 {
		return collab.ErrDocumentNotFound
	}

	return err
}

// handleGetDocument handles GET /documents/:id.
func (s *Server) handleGetDocument(c *gin.Context) {
	docID := c.Param("id")

	if err := s.authorize(c.Request.Context(), docID, UserID(c), acl.ActionRead); err != nil {
		respondError(c, err)

		return
	}

	view, err := s.manager.View(c.Request.Context(), docID)
	if err != nil {
		respondError(c, err)

		return
	}

	c.JSON(http.StatusOK, view)
}

// handleSaveDocument handles POST /documents/:id/save.
func (s *Server) handleSaveDocument(c *gin.Context) {
	docID := c.Param("id")
	userID := UserID(c)

	if err := s.authorize(c.Request.Context(), docID, userID, acl.ActionWrite); err != nil {
		respondError(c, err)

		return
	}

	snap, err := s.manager.Save(c.Request.Context(), docID, userID)
	if err != nil {
		respondError(c, err)

		return
	}

	c.JSON(http.StatusOK, SaveDocumentResponse{
		SnapshotID: snap.ID,
		Summary:    snap.VersionSummary,
		CapturedAt: snap.CapturedAt,
	})
}

// handlePresence handles GET /documents/:id/presence.
func (s *Server) handlePresence(c *gin.Context) {
	docID := c.Param("id")

	if err := s.authorize(c.Request.Context(), docID, UserID(c), acl.ActionRead); err != nil {
		respondError(c, err)

		return
	}

	states, err := s.manager.Presence(c.Request.Context(), docID)
	if err != nil {
		respondError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"documentId": docID, "peers": states})
}

// handleListCollaborators handles GET /documents/:id/collaborators.
func (s *Server) handleListCollaborators(c *gin.Context) {
	docID := c.Param("id")

	if err := s.authorize(c.Request.Context(), docID, UserID(c), acl.ActionRead); err != nil {
		respondError(c, err)

		return
	}

	perms, err := s.checker.Store().ListPermissions(c.Request.Context(), docID)
	if err != nil {
		respondError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"documentId": docID, "collaborators": perms})
}

// handleShare handles PUT /documents/:id/collaborators.
func (s *Server) handleShare(c *gin.Context) {
	docID := c.Param("id")

	var req ShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %w", ErrBadRequest, err))

		return
	}

	if err := s.authorize(c.Request.Context(), docID, UserID(c), acl.ActionShare); err != nil {
		respondError(c, err)

		return
	}

	if err := s.checker.Share(c.Request.Context(), docID, UserID(c), req.UserID, *req.Role); err != nil {
		respondError(c, err)

		return
	}

	c.JSON(http.StatusOK, acl.Permission{DocID: docID, UserID: req.UserID, Role: *req.Role})
}
