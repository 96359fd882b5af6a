package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/types"
)

func (s *Server) routes() *gin.Engine {
	gin.SetMode(s.cfg.Mode)

	r := gin.New()
	r.Use(gin.LoggerWithWriter(s.logger.Writer()), gin.Recovery())

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/v1")
	v1.POST("/auth/anonymous", s.handleAnonymous)
	v1.POST("/auth/token", s.handleCustomToken)

	col := v1.Group("/artifacts/:app/users/:ledger/"+remote.CollectionName, authMiddleware(s.cfg.JWTSecret))
	col.GET("", s.handleList)
	col.POST("", s.handleAppend)
	col.DELETE("/:id", s.handleDelete)
	col.GET("/live", s.handleLive)

	return r
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, remote.ErrorResponse{Error: msg})
}

func collectionOf(c *gin.Context) string {
	return remote.CollectionPath(c.Param("app"), c.Param("ledger"))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleAnonymous issues a session for a fresh anonymous uid.
func (s *Server) handleAnonymous(c *gin.Context) {
	s.issueSession(c, uuid.NewString(), true)
}

// handleCustomToken exchanges a minted custom token for a session.
func (s *Server) handleCustomToken(c *gin.Context) {
	var req remote.CustomTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		abort(c, http.StatusBadRequest, "token is required")
		return
	}

	claims, err := ParseToken(s.cfg.JWTSecret, req.Token)
	if err != nil || claims.Kind != kindCustom {
		abort(c, http.StatusUnauthorized, "invalid custom token")
		return
	}
	s.issueSession(c, claims.UID, false)
}

func (s *Server) issueSession(c *gin.Context, uid string, anonymous bool) {
	claims := &Claims{UID: uid, Anonymous: anonymous, Kind: kindSession}
	token, err := signToken(s.cfg.JWTSecret, claims, s.cfg.TokenTTL)
	if err != nil {
		s.logger.Printf("Failed to issue session: %v", err)
		abort(c, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.logger.Printf("Issued session for %s (anonymous=%v)", uid, anonymous)
	c.JSON(http.StatusOK, remote.AuthResponse{
		UID:       uid,
		Token:     token,
		Anonymous: anonymous,
		ExpiresAt: claims.ExpiresAt.Time,
	})
}

func (s *Server) handleList(c *gin.Context) {
	docs, err := s.store.List(c.Request.Context(), collectionOf(c))
	if err != nil {
		s.logger.Printf("WARNING: %v", err)
		abort(c, http.StatusInternalServerError, "failed to list collection")
		return
	}
	c.JSON(http.StatusOK, remote.ListResponse{Docs: docs})
}

func (s *Server) handleAppend(c *gin.Context) {
	var in types.TransactionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in.Description = strings.TrimSpace(in.Description)
	if err := in.Validate(); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}

	collection := collectionOf(c)
	tx, err := s.store.Insert(c.Request.Context(), collection, in)
	if err != nil {
		s.logger.Printf("WARNING: %v", err)
		abort(c, http.StatusInternalServerError, "failed to append")
		return
	}

	if uid, err := currentUID(c); err == nil {
		s.logger.Printf("%s appended %s to %s", uid, tx.ID, collection)
	}
	s.Broadcast(collection)
	c.JSON(http.StatusCreated, remote.AppendResponse{ID: tx.ID, Timestamp: tx.Timestamp})
}

func (s *Server) handleDelete(c *gin.Context) {
	collection := collectionOf(c)
	removed, err := s.store.Delete(c.Request.Context(), collection, c.Param("id"))
	if err != nil {
		s.logger.Printf("WARNING: %v", err)
		abort(c, http.StatusInternalServerError, "failed to delete")
		return
	}

	if removed {
		if uid, err := currentUID(c); err == nil {
			s.logger.Printf("%s deleted %s from %s", uid, c.Param("id"), collection)
		}
		s.Broadcast(collection)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleLive(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	if s.ctx.Err() != nil {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}

	s.serveLive(conn, collectionOf(c))
}

// currentUID returns the authenticated uid set by authMiddleware.
func currentUID(c *gin.Context) (string, error) {
	v, ok := c.Get(principalKey)
	if !ok {
		return "", errors.New("unauthenticated")
	}
	claims, ok := v.(*Claims)
	if !ok {
		return "", errors.New("unauthenticated")
	}
	return claims.UID, nil
}
