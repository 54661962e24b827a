// Package api exposes the submission form, the item pages and the status
// fragment endpoint the pollers hit.
package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/snapcheck/internal/model"
	"github.com/dharsanguruparan/snapcheck/internal/queue"
	"github.com/dharsanguruparan/snapcheck/internal/render"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
	"github.com/dharsanguruparan/snapcheck/internal/submission"
)

const indexLimit = 100

// Options configures the HTTP server.
type Options struct {
	Address         string
	ShutdownTimeout time.Duration
	Limits          submission.Limits
}

// Server exposes HTTP endpoints for submissions and status.
type Server struct {
	store       storage.Store
	submissions *submission.Service
	renderer    *render.Renderer
	opts        Options
	engine      *gin.Engine
}

// New constructs a Server and its routes.
func New(store storage.Store, submissions *submission.Service, renderer *render.Renderer, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{store: store, submissions: submissions, renderer: renderer, opts: opts}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(), recovery())
	r.GET("/healthz", s.handleHealth)
	r.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/items") })
	r.GET("/items", s.handleIndex)
	r.GET("/items/new", s.handleNew)
	r.POST("/items", s.handleCreate)
	r.GET("/items/:id", s.handleShow)
	r.PATCH("/items/:id", s.handleUpdateStatus)
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("address", s.opts.Address).Msg("http listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleIndex(c *gin.Context) {
	items, err := s.store.List(c.Request.Context(), model.ListFilter{Limit: indexLimit})
	if err != nil {
		s.internalError(c, err)
		return
	}
	if wantsJSON(c) {
		c.JSON(http.StatusOK, items)
		return
	}
	s.html(c, http.StatusOK, func(w io.Writer) error { return s.renderer.IndexPage(w, items) })
}

func (s *Server) handleNew(c *gin.Context) {
	s.html(c, http.StatusOK, func(w io.Writer) error { return s.renderer.NewPage(w, render.FormView{}) })
}

func (s *Server) handleCreate(c *gin.Context) {
	if s.opts.Limits.MaxImageBytes > 0 {
		// Room for the text fields and multipart framing on top of the image.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.Limits.MaxImageBytes+1<<20)
	}
	mr, err := c.Request.MultipartReader()
	if err != nil {
		s.clientError(c, http.StatusBadRequest, "expecting multipart form")
		return
	}
	form, err := submission.ParseMultipart(mr, s.opts.Limits)
	if form != nil {
		defer form.Close()
	}
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		s.clientError(c, http.StatusRequestEntityTooLarge, "request too large")
		return
	case errors.Is(err, model.ErrValidation):
		s.formError(c, form, err)
		return
	case err != nil:
		s.clientError(c, http.StatusBadRequest, err.Error())
		return
	}

	item, err := s.submissions.Submit(c.Request.Context(), form)
	var enqueueErr *queue.EnqueueError
	switch {
	case errors.Is(err, model.ErrValidation):
		s.formError(c, form, err)
		return
	case errors.As(err, &enqueueErr) && item != nil:
		if wantsJSON(c) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "analysis could not be queued", "item": item})
			return
		}
		c.Redirect(http.StatusSeeOther, itemPath(item.ID))
		return
	case err != nil:
		s.internalError(c, err)
		return
	}

	c.Header("Location", itemPath(item.ID))
	if wantsJSON(c) {
		c.JSON(http.StatusCreated, item)
		return
	}
	c.Redirect(http.StatusSeeOther, itemPath(item.ID))
}

func (s *Server) formError(c *gin.Context, form *submission.Form, err error) {
	var verr *model.ValidationError
	errors.As(err, &verr)
	if wantsJSON(c) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"errors": verr.Fields})
		return
	}
	view := render.FormView{Errors: verr.Fields}
	if form != nil {
		view.Metadata = form.Metadata
	}
	s.html(c, http.StatusUnprocessableEntity, func(w io.Writer) error { return s.renderer.NewPage(w, view) })
}

func (s *Server) handleShow(c *gin.Context) {
	item, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, model.ErrNotFound) {
		s.clientError(c, http.StatusNotFound, "work item not found")
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	switch {
	case wantsTurboStream(c):
		s.render(c, http.StatusOK, render.TurboStreamContentType, func(w io.Writer) error { return s.renderer.TurboStream(w, item) })
	case wantsJSON(c):
		c.JSON(http.StatusOK, item)
	default:
		s.html(c, http.StatusOK, func(w io.Writer) error { return s.renderer.ShowPage(w, item) })
	}
}

type statusUpdate struct {
	Status     model.Status     `json:"status"`
	Violations model.Violations `json:"violations"`
}

// handleUpdateStatus lets an out-of-process worker report progress over HTTP
// with the same contract as a direct store write.
func (s *Server) handleUpdateStatus(c *gin.Context) {
	var req statusUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	item, err := s.store.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status, req.Violations)
	var terr *model.TransitionError
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &terr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "from": terr.From, "to": terr.To})
	case errors.Is(err, model.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case err != nil:
		s.internalError(c, err)
	default:
		c.JSON(http.StatusOK, item)
	}
}

func (s *Server) html(c *gin.Context, code int, fn func(io.Writer) error) {
	s.render(c, code, "text/html; charset=utf-8", fn)
}

func (s *Server) render(c *gin.Context, code int, contentType string, fn func(io.Writer) error) {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		s.internalError(c, err)
		return
	}
	c.Data(code, contentType, buf.Bytes())
}

func (s *Server) clientError(c *gin.Context, code int, msg string) {
	if wantsJSON(c) {
		c.JSON(code, gin.H{"error": msg})
		return
	}
	c.String(code, msg)
}

func (s *Server) internalError(c *gin.Context, err error) {
	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	_ = c.Error(err)
	s.clientError(c, http.StatusInternalServerError, "internal error")
}

func itemPath(id string) string { return "/items/" + id }

func wantsTurboStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), render.TurboStreamContentType)
}

func wantsJSON(c *gin.Context) bool {
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
