package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"

	"github.com/gifdex/gifdex/models"
)

type ServerConfig struct {
	// CDNUrl is the public base URL of the media serving service, used
	// to build fullsize/thumbnail/avatar URLs in views.
	CDNUrl string

	// ServiceDid is this appview's own service identity, published via
	// the well-known DID document.
	ServiceDid string

	// PublicUrl is the externally reachable base URL of this appview.
	PublicUrl string
}

type Server struct {
	db     *gorm.DB
	echo   *echo.Echo
	logger *slog.Logger
	config ServerConfig
}

func NewServer(db *gorm.DB, logger *slog.Logger, config ServerConfig) *Server {
	return &Server{
		db:     db,
		logger: logger.With("component", "appview"),
		config: config,
	}
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.LoggerWithConfig(middleware.DefaultLoggerConfig))

	e.GET("/xrpc/_health", s.handleHealthcheck)
	e.GET("/xrpc/net.gifdex.feed.getPost", s.handleGetPost)
	e.GET("/xrpc/net.gifdex.feed.getPostsByActor", s.handleGetPostsByActor)
	e.GET("/xrpc/net.gifdex.feed.getPostsByQuery", s.handleGetPostsByQuery)
	e.GET("/xrpc/net.gifdex.actor.getProfile", s.handleGetProfile)
	e.GET("/xrpc/net.gifdex.actor.getProfiles", s.handleGetProfiles)
	e.GET("/.well-known/did.json", s.handleWellKnownDid)
	return e
}

func (s *Server) Start(address string) error {
	s.echo = s.buildEcho()
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// xrpcError writes an XRPC-style error body.
func xrpcError(c echo.Context, status int, name, message string) error {
	return c.JSON(status, map[string]string{
		"error":   name,
		"message": message,
	})
}

func (s *Server) handleHealthcheck(c echo.Context) error {
	var one int
	if err := s.db.Raw("SELECT 1").Scan(&one).Error; err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy", "database": "unhealthy",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy", "database": "healthy",
	})
}

type profileViewBasic struct {
	Did         string `json:"did"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

type profileView struct {
	profileViewBasic
	Pronouns    string `json:"pronouns,omitempty"`
	Description string `json:"description,omitempty"`
	PostCount   int64  `json:"postCount"`
	IndexedAt   string `json:"indexedAt,omitempty"`
}

type postViewMediaDimensions struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

type postViewMedia struct {
	FullsizeUrl  string                  `json:"fullsizeUrl"`
	ThumbnailUrl string                  `json:"thumbnailUrl"`
	MimeType     string                  `json:"mimeType"`
	Alt          string                  `json:"alt,omitempty"`
	Dimensions   postViewMediaDimensions `json:"dimensions"`
}

type postView struct {
	Uri            string           `json:"uri"`
	Author         profileViewBasic `json:"author"`
	Title          string           `json:"title"`
	Tags           []string         `json:"tags,omitempty"`
	Languages      []string         `json:"languages,omitempty"`
	Media          postViewMedia    `json:"media"`
	FavouriteCount int64            `json:"favouriteCount"`
	CreatedAt      string           `json:"createdAt"`
	IndexedAt      string           `json:"indexedAt"`
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func (s *Server) mediaURL(did, rkey string) string {
	return fmt.Sprintf("%s/media/%s/%s", strings.TrimSuffix(s.config.CDNUrl, "/"), did, rkey)
}

func (s *Server) avatarURL(did, blobCid string) string {
	return fmt.Sprintf("%s/avatar/%s/%s", strings.TrimSuffix(s.config.CDNUrl, "/"), did, blobCid)
}

func (s *Server) profileViewBasic(acc *models.Account, did string) profileViewBasic {
	view := profileViewBasic{Did: did}
	if acc == nil {
		return view
	}
	view.Handle = acc.Handle
	view.DisplayName = acc.DisplayName
	if acc.AvatarCID != "" {
		view.Avatar = s.avatarURL(acc.Did, acc.AvatarCID)
	}
	return view
}

func (s *Server) postView(post *models.Post, acc *models.Account, favouriteCount int64) postView {
	return postView{
		Uri:    fmt.Sprintf("at://%s/net.gifdex.feed.post/%s", post.Did, post.Rkey),
		Author: s.profileViewBasic(acc, post.Did),
		Title:  post.Title,
		Tags:   post.Tags,
		Media: postViewMedia{
			FullsizeUrl:  s.mediaURL(post.Did, post.Rkey),
			ThumbnailUrl: s.mediaURL(post.Did, post.Rkey),
			MimeType:     post.MediaMime,
			Alt:          post.MediaAlt,
			Dimensions: postViewMediaDimensions{
				Width:  post.MediaWidth,
				Height: post.MediaHeight,
			},
		},
		Languages:      post.Languages,
		FavouriteCount: favouriteCount,
		CreatedAt:      formatMillis(post.CreatedAt),
		IndexedAt:      formatMillis(post.IndexedAt),
	}
}

func (s *Server) favouriteCount(did, rkey string) (int64, error) {
	var count int64
	err := s.db.Model(&models.PostFavourite{}).
		Where("post_did = ? AND post_rkey = ?", did, rkey).
		Count(&count).Error
	return count, err
}

func (s *Server) handleGetPost(c echo.Context) error {
	actor := c.QueryParam("actor")
	rkey := c.QueryParam("rkey")
	if actor == "" || rkey == "" {
		return xrpcError(c, http.StatusBadRequest, "InvalidRequest", "actor and rkey are required")
	}

	var post models.Post
	if err := s.db.Where("did = ? AND rkey = ?", actor, rkey).First(&post).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return xrpcError(c, http.StatusBadRequest, "PostNotFound", "post not found")
		}
		return err
	}

	var acc *models.Account
	var account models.Account
	if err := s.db.Where("did = ?", actor).First(&account).Error; err == nil {
		acc = &account
	}

	count, err := s.favouriteCount(post.Did, post.Rkey)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"post": s.postView(&post, acc, count),
	})
}

func (s *Server) listPosts(c echo.Context, query *gorm.DB) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return xrpcError(c, http.StatusBadRequest, "InvalidRequest", "invalid limit")
		}
		limit = min(parsed, 100)
	}
	if cursor := c.QueryParam("cursor"); cursor != "" {
		// "<createdAt>_<rkey>"; the rkey tie-breaks posts sharing a
		// created_at value so paging never skips them.
		beforeStr, beforeRkey, ok := strings.Cut(cursor, "_")
		before, err := strconv.ParseInt(beforeStr, 10, 64)
		if err != nil || !ok {
			return xrpcError(c, http.StatusBadRequest, "InvalidRequest", "invalid cursor")
		}
		query = query.Where("created_at < ? OR (created_at = ? AND rkey < ?)", before, before, beforeRkey)
	}

	var posts []models.Post
	if err := query.Order("created_at DESC, rkey DESC").Limit(limit).Find(&posts).Error; err != nil {
		return err
	}

	accounts := map[string]*models.Account{}
	views := make([]postView, 0, len(posts))
	for i := range posts {
		post := &posts[i]
		acc, ok := accounts[post.Did]
		if !ok {
			var account models.Account
			if err := s.db.Where("did = ?", post.Did).First(&account).Error; err == nil {
				acc = &account
			}
			accounts[post.Did] = acc
		}
		count, err := s.favouriteCount(post.Did, post.Rkey)
		if err != nil {
			return err
		}
		views = append(views, s.postView(post, acc, count))
	}

	out := map[string]any{"posts": views}
	if len(posts) == limit {
		last := posts[len(posts)-1]
		out["cursor"] = fmt.Sprintf("%d_%s", last.CreatedAt, last.Rkey)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetPostsByActor(c echo.Context) error {
	actor := c.QueryParam("actor")
	if actor == "" {
		return xrpcError(c, http.StatusBadRequest, "InvalidRequest", "actor is required")
	}

	acc, err := s.lookupActor(actor)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return xrpcError(c, http.StatusBadRequest, "ActorNotFound", "actor not found")
		}
		return err
	}

	return s.listPosts(c, s.db.Where("did = ?", acc.Did))
}

func (s *Server) handleGetPostsByQuery(c echo.Context) error {
	tag := c.QueryParam("tag")
	if tag == "" {
		return xrpcError(c, http.StatusBadRequest, "InvalidRequest", "tag is required")
	}

	// Tags are stored as a JSON array; match the quoted element. Good
	// enough until tag search moves to a dedicated index.
	return s.listPosts(c, s.db.Where("tags LIKE ?", fmt.Sprintf("%%%q%%", tag)))
}

// lookupActor resolves an actor query parameter, which may be either a
// DID or a handle.
func (s *Server) lookupActor(actor string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.Where("did = ? OR handle = ?", actor, actor).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *Server) profileView(acc *models.Account) (profileView, error) {
	var postCount int64
	if err := s.db.Model(&models.Post{}).Where("did = ?", acc.Did).Count(&postCount).Error; err != nil {
		return profileView{}, err
	}
	return profileView{
		profileViewBasic: s.profileViewBasic(acc, acc.Did),
		Pronouns:         acc.Pronouns,
		Description:      acc.Description,
		PostCount:        postCount,
		IndexedAt:        formatMillis(acc.IndexedAt),
	}, nil
}

func (s *Server) handleGetProfile(c echo.Context) error {
	actor := c.QueryParam("actor")
	if actor == "" {
		return xrpcError(c, http.StatusBadRequest, "InvalidRequest", "actor is required")
	}

	acc, err := s.lookupActor(actor)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return xrpcError(c, http.StatusBadRequest, "ProfileNotFound", "profile not found")
		}
		return err
	}

	view, err := s.profileView(acc)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"value": view})
}

func (s *Server) handleGetProfiles(c echo.Context) error {
	actors := c.QueryParams()["actors"]
	if len(actors) == 0 {
		return xrpcError(c, http.StatusBadRequest, "InvalidRequest", "actors is required")
	}
	if len(actors) > 25 {
		return xrpcError(c, http.StatusBadRequest, "InvalidRequest", "at most 25 actors per request")
	}

	var accounts []models.Account
	if err := s.db.Where("did IN ? OR handle IN ?", actors, actors).Find(&accounts).Error; err != nil {
		return err
	}

	views := make([]profileView, 0, len(accounts))
	for i := range accounts {
		view, err := s.profileView(&accounts[i])
		if err != nil {
			return err
		}
		views = append(views, view)
	}
	return c.JSON(http.StatusOK, map[string]any{"profiles": views})
}

// The service document cannot change at runtime, so the first-request
// time doubles as its Last-Modified value and lets clients skip
// refreshing their cached copy.
var didDocModified = sync.OnceValue(func() time.Time {
	return time.Now().UTC().Truncate(time.Second)
})

func (s *Server) handleWellKnownDid(c echo.Context) error {
	modified := didDocModified()
	if since, err := http.ParseTime(c.Request().Header.Get(echo.HeaderIfModifiedSince)); err == nil && !since.Before(modified) {
		return c.NoContent(http.StatusNotModified)
	}
	c.Response().Header().Set(echo.HeaderLastModified, modified.Format(http.TimeFormat))
	return c.JSON(http.StatusOK, map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.config.ServiceDid,
		"service": []map[string]string{
			{
				"id":              "#gifdex_appview",
				"type":            "GifdexAppView",
				"serviceEndpoint": s.config.PublicUrl,
			},
		},
	})
}
