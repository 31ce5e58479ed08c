package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"

	"github.com/gifdex/gifdex/media"
	"github.com/gifdex/gifdex/models"
)

type Server struct {
	db      *gorm.DB
	echo    *echo.Echo
	logger  *slog.Logger
	fetcher *media.FetchGuard
}

func NewServer(db *gorm.DB, logger *slog.Logger) *Server {
	return &Server{
		db:      db,
		logger:  logger.With("component", "cdn"),
		fetcher: media.NewFetchGuard(),
	}
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.LoggerWithConfig(middleware.DefaultLoggerConfig))

	e.GET("/health", s.handleHealthcheck)
	e.GET("/media/:did/:rkey", s.handleGetMedia)
	return e
}

func (s *Server) Start(address string) error {
	s.echo = s.buildEcho()
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealthcheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetMedia re-serves a post's blob from the owning account's PDS,
// verifying its content hash and sniffing its real type before a single
// byte reaches the client.
func (s *Server) handleGetMedia(c echo.Context) error {
	did, err := syntax.ParseDID(c.Param("did"))
	if err != nil {
		return c.String(http.StatusUnprocessableEntity, "invalid or unprocessable did")
	}

	rkey := c.Param("rkey")
	rkeyCid, err := media.ParsePostKey(rkey)
	if err != nil {
		return c.String(http.StatusUnprocessableEntity, "invalid or unprocessable rkey")
	}

	var post models.Post
	if err := s.db.Where("did = ? AND rkey = ?", did.String(), rkey).First(&post).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.String(http.StatusNotFound, "post not found")
		}
		return err
	}

	var account models.Account
	err = s.db.Where("did = ?", did.String()).First(&account).Error
	if err != nil || account.PDS == "" {
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return c.String(http.StatusNotFound, "no pds endpoint known for account")
	}

	ctx := c.Request().Context()
	blob, info, err := s.fetcher.FetchImage(ctx, media.BlobURL(account.PDS, did.String(), rkeyCid.String()))
	if err != nil {
		s.logger.Warn("failed to fetch blob from pds", "did", did, "rkey", rkey, "error", err)
		return c.String(http.StatusBadGateway, "failed to fetch blob from upstream pds")
	}

	if err := media.VerifyCID(rkeyCid, blob); err != nil {
		s.logger.Warn("blob failed integrity verification", "did", did, "rkey", rkey, "error", err)
		return c.String(http.StatusBadGateway, "blob failed integrity verification")
	}

	h := c.Response().Header()
	h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "public, max-age=604800")
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", post.Title))
	h.Set("Upstream-PDS", pdsHost(account.PDS))

	// Content-Type comes from the sniffed bytes, never from the record.
	return c.Blob(http.StatusOK, info.MIME, blob)
}

func pdsHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
