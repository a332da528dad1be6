package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ssau-fiit/cloudocs-ot/internal/database"
	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
)

const requestTimeout = 5 * time.Second

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:    "ok",
		Documents: len(s.hub.Documents()),
		Conns:     s.conns.len(),
	}
	if err := s.store.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("redis is unreachable")
		resp.Status = "unavailable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetDocuments(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list documents")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) handleCreateDocument(c *gin.Context) {
	var r CreateDocRequest
	if err := c.BindJSON(&r); err != nil {
		s.log.Debug().Err(err).Msg("bad create request")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	doc, err := s.store.CreateDocument(ctx, r.Name, r.Author, r.Text)
	if err != nil {
		s.log.Error().Err(err).Msg("error creating document")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleGetDocument(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		s.abortStoreError(c, err)
		return
	}
	resp := DocumentResponse{Document: doc, Participants: []ot.SiteID{}}
	if m, ok := s.hub.Get(id); ok {
		resp.Text, resp.Revision = m.Text()
		resp.Participants = m.Participants()
		resp.Live = true
	} else if resp.Text, resp.Revision, err = s.store.LoadText(ctx, id); err != nil {
		s.abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteDocument(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := s.store.DeleteDocument(ctx, id); err != nil {
		s.abortStoreError(c, err)
		return
	}
	s.hub.Close(id, "document deleted")
	c.Status(http.StatusOK)
}

func (s *Server) abortStoreError(c *gin.Context, err error) {
	if errors.Is(err, database.ErrNotFound) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	s.log.Error().Err(err).Str("document", c.Param("id")).Msg("store error")
	c.AbortWithStatus(http.StatusInternalServerError)
}
