package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/serroba/scenesync/internal/collab"
)

// handleWebSocket handles GET /ws?docId=... and runs the session until the
// client goes away.
func (s *Server) handleWebSocket(c *gin.Context) {
	docID := c.Query("docId")
	if docID == "" {
		respondError(c, fmt.Errorf("%w: docId is required", ErrBadRequest))

		return
	}

	userID := UserID(c)

	role, err := s.checker.Open(c.Request.Context(), docID, userID)
	if err != nil {
		respondError(c, err)

		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already wrote an HTTP error.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")

		return
	}

	session := collab.NewSession(conn, userID, role, s.sendBuffer, s.logger)

	s.logger.Info().Str("doc", docID).Str("user", userID).Str("role", role.String()).Msg("session opened")

	if err := s.manager.Serve(c.Request.Context(), docID, session); err != nil {
		s.logger.Debug().Err(err).Str("doc", docID).Msg("session ended")
	}
}
