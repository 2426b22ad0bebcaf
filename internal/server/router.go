package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ponolab/pono/backend/internal/auth"
	"github.com/ponolab/pono/backend/internal/draftnotes"
	"github.com/ponolab/pono/backend/internal/hub"
	"github.com/ponolab/pono/backend/internal/tracking"
	"github.com/ponolab/pono/backend/internal/users"
	"github.com/ponolab/pono/backend/internal/versioncache"
	"github.com/ponolab/pono/backend/internal/versionview"
)

const identityContextKey = "pono_identity"

var (
	errMissingTracking      = errors.New("tracking service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUsers         = errors.New("user service dependency required")
	errMissingEngine        = errors.New("draft note engine dependency required")
	errMissingRepository    = errors.New("note repository dependency required")
	errMissingHub           = errors.New("notification hub dependency required")
	errMissingVersionCache  = errors.New("version cache dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TrackingService is the slice of the tracking client the router consumes.
type TrackingService interface {
	Login(ctx context.Context, login, password string) (string, error)
	Session(sessionToken string) (tracking.QueryService, error)
}

// BackendTokenManager issues and validates backend JWTs.
type BackendTokenManager interface {
	IssueBackendToken(identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.Identity, error)
}

// Dependencies wires the HTTP surface to the backend services.
type Dependencies struct {
	Tracking     TrackingService
	TokenManager BackendTokenManager
	Users        *users.Service
	Engine       *draftnotes.Engine
	Repository   *draftnotes.Repository
	Hub          *hub.Hub
	VersionCache *versioncache.Manager
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the review backend.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tracking == nil {
		return nil, errMissingTracking
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Repository == nil {
		return nil, errMissingRepository
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.VersionCache == nil {
		return nil, errMissingVersionCache
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tracking:     deps.Tracking,
		tokens:       deps.TokenManager,
		users:        deps.Users,
		engine:       deps.Engine,
		repo:         deps.Repository,
		hub:          deps.Hub,
		versionCache: deps.VersionCache,
		logger:       logger,
	}

	api := router.Group("/api")
	api.POST("/auth/login", handler.handleLogin)
	api.GET("/ws/notes/:version_id", handler.handleNoteSocket)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/versions/:version_id/notes", handler.handleNotesForVersion)
	protected.GET("/versions/:version_id/note", handler.handleOwnNote)
	protected.POST("/versions/:version_id/attachments", handler.handleAttachToVersion)
	protected.GET("/notes", handler.handleNotesByStep)
	protected.POST("/notes", handler.handleSaveNote)
	protected.DELETE("/notes/:note_id", handler.handleDeleteNote)
	protected.POST("/notes/:note_id/attachments", handler.handleAttachToNote)
	protected.DELETE("/attachments/:attachment_id", handler.handleRemoveAttachment)
	protected.GET("/attachments/:attachment_id/download", handler.handleDownloadAttachment)
	protected.GET("/view/versions", handler.handleViewVersions)
	protected.POST("/view/versions/details", handler.handleViewVersionDetails)
	protected.GET("/projects", handler.handleProjects)
	protected.GET("/projects/:project_id/pipeline-steps", handler.handlePipelineSteps)

	return router, nil
}

type httpHandler struct {
	tracking     TrackingService
	tokens       BackendTokenManager
	users        *users.Service
	engine       *draftnotes.Engine
	repo         *draftnotes.Repository
	hub          *hub.Hub
	versionCache *versioncache.Manager
	logger       *zap.Logger
}

type loginRequestPayload struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponsePayload struct {
	AccessToken string              `json:"access_token"`
	ExpiresIn   int64               `json:"expires_in"`
	TokenType   string              `json:"token_type"`
	User        draftnotes.UserInfo `json:"user"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Login) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	sessionToken, err := h.tracking.Login(c.Request.Context(), request.Login, request.Password)
	if err != nil {
		if errors.Is(err, tracking.ErrUpstreamAuth) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("tracking login failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "tracking_unavailable"})
		return
	}

	session, err := h.tracking.Session(sessionToken)
	if err != nil {
		h.logger.Error("session binding failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	info, err := tracking.GetUserByLogin(c.Request.Context(), session, request.Login)
	if err != nil {
		h.logger.Error("identity lookup failed", zap.Error(err), zap.String("login", request.Login))
		c.JSON(http.StatusBadGateway, gin.H{"error": "tracking_unavailable"})
		return
	}
	if _, err := h.users.EnsureUser(*info); err != nil {
		h.logger.Error("user mirroring failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(auth.Identity{
		UserID:       info.ID,
		Login:        info.Login,
		Username:     info.Name,
		SessionToken: sessionToken,
	})
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User: draftnotes.UserInfo{
			ID:       info.ID,
			Username: info.Name,
			Login:    info.Login,
		},
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFrom(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok
}

type saveNotePayload struct {
	VersionID int64                  `json:"version_id"`
	Content   string                 `json:"content"`
	Version   draftnotes.VersionMeta `json:"version"`
}

func (h *httpHandler) handleSaveNote(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request saveNotePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.VersionID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	meta := request.Version
	if meta.ID == 0 {
		meta.ID = request.VersionID
	}

	info, err := h.engine.SaveNote(c.Request.Context(), draftnotes.SaveNoteRequest{
		VersionID: request.VersionID,
		OwnerID:   identity.UserID,
		Content:   request.Content,
		Meta:      meta,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"note": info})
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	noteID, ok := parseID(c, "note_id")
	if !ok {
		return
	}
	if err := h.engine.DeleteNote(c.Request.Context(), noteID, identity.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleNotesForVersion(c *gin.Context) {
	versionID, ok := parseID(c, "version_id")
	if !ok {
		return
	}
	infos, err := h.engine.GetNoteInfosForVersion(c.Request.Context(), versionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": infos})
}

func (h *httpHandler) handleOwnNote(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	versionID, ok := parseID(c, "version_id")
	if !ok {
		return
	}
	info, err := h.engine.GetNoteInfo(c.Request.Context(), versionID, identity.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"note": info})
}

func (h *httpHandler) handleNotesByStep(c *gin.Context) {
	projectID, err := strconv.ParseInt(c.Query("project_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	step := c.Query("step")
	if step == "" {
		step = draftnotes.StepAll
	}
	infos, err := h.engine.GetNoteInfosByStep(c.Request.Context(), projectID, step)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": infos})
}

func (h *httpHandler) handleAttachToNote(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	noteID, ok := parseID(c, "note_id")
	if !ok {
		return
	}
	uploads, cleanup, ok := h.collectUploads(c)
	if !ok {
		return
	}
	defer cleanup()

	info, err := h.engine.AddAttachmentsToNote(c.Request.Context(), noteID, identity.UserID, uploads)
	h.respondAttachments(c, info, err)
}

func (h *httpHandler) handleAttachToVersion(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	versionID, ok := parseID(c, "version_id")
	if !ok {
		return
	}
	meta := draftnotes.VersionMeta{
		ID:        versionID,
		Name:      c.PostForm("version_name"),
		StepName:  c.PostForm("step_name"),
		ProjectID: formInt64(c, "project_id"),
	}
	uploads, cleanup, ok := h.collectUploads(c)
	if !ok {
		return
	}
	defer cleanup()

	info, err := h.engine.AddAttachmentsToVersion(c.Request.Context(), versionID, identity.UserID, meta, uploads)
	h.respondAttachments(c, info, err)
}

// collectUploads reads multipart file parts plus url form values into engine
// uploads. The returned cleanup closes every opened part.
func (h *httpHandler) collectUploads(c *gin.Context) ([]draftnotes.Upload, func(), bool) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, nil, false
	}

	var closers []func()
	cleanup := func() {
		for _, close := range closers {
			close()
		}
	}

	uploads := make([]draftnotes.Upload, 0, len(form.File["files"])+len(form.Value["urls"]))
	for _, header := range form.File["files"] {
		part, err := header.Open()
		if err != nil {
			cleanup()
			h.logger.Warn("multipart file open failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return nil, nil, false
		}
		closers = append(closers, func() { part.Close() })
		uploads = append(uploads, draftnotes.Upload{
			Type:         draftnotes.AttachmentTypeFile,
			Reader:       part,
			OriginalName: header.Filename,
		})
	}
	for _, rawURL := range form.Value["urls"] {
		uploads = append(uploads, draftnotes.Upload{
			Type: draftnotes.AttachmentTypeURL,
			URL:  rawURL,
		})
	}

	if len(uploads) == 0 {
		cleanup()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, nil, false
	}
	return uploads, cleanup, true
}

// respondAttachments maps the best-effort batch outcome: a partial failure
// still returns the updated note alongside what failed.
func (h *httpHandler) respondAttachments(c *gin.Context, info *draftnotes.NoteInfo, err error) {
	var batchErr *draftnotes.BatchError
	if errors.As(err, &batchErr) && info != nil {
		c.JSON(http.StatusOK, gin.H{
			"note":   info,
			"saved":  batchErr.Saved,
			"failed": batchErr.Failed,
		})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"note": info})
}

func (h *httpHandler) handleRemoveAttachment(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	attachmentID, ok := parseID(c, "attachment_id")
	if !ok {
		return
	}
	info, err := h.engine.RemoveAttachment(c.Request.Context(), attachmentID, identity.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"note": info})
}

func (h *httpHandler) handleDownloadAttachment(c *gin.Context) {
	attachmentID, ok := parseID(c, "attachment_id")
	if !ok {
		return
	}
	attachment, err := h.repo.GetAttachment(c.Request.Context(), attachmentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if attachment.FileType == draftnotes.AttachmentTypeURL {
		c.Redirect(http.StatusFound, attachment.PathOrURL)
		return
	}
	name := ""
	if attachment.FileName != nil {
		name = *attachment.FileName
	}
	if name == "" {
		name = "attachment"
	}
	c.FileAttachment(attachment.PathOrURL, name)
}

func (h *httpHandler) handleViewVersions(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID, err := strconv.ParseInt(c.Query("project_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pipelineStep := c.DefaultQuery("pipeline_step", draftnotes.StepAll)
	useCache := c.DefaultQuery("use_cache", "true") != "false"

	var filters []versionview.SearchFilter
	if raw := c.Query("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	session, err := h.tracking.Session(identity.SessionToken)
	if err != nil {
		h.respondError(c, err)
		return
	}

	requestCtx := c.Request.Context()
	key := versioncache.Key{ProjectID: projectID, PipelineStep: pipelineStep}
	if !useCache {
		// An explicit refresh drops the entry up front, so a failed refetch
		// cannot leave the data the user asked to discard behind for later
		// cached reads.
		h.versionCache.Invalidate(key)
	}
	versions, err := h.versionCache.GetOrCreate(requestCtx, key,
		func(ctx context.Context) ([]tracking.VersionRecord, error) {
			return tracking.GetLightweightVersions(ctx, session, projectID, pipelineStep)
		},
		func(ctx context.Context, artistIDs []int64) (map[int64][]tracking.UserRef, error) {
			return tracking.GetGroupLeadersForArtists(ctx, session, artistIDs)
		},
		useCache,
		func() bool { return requestCtx.Err() == nil },
	)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result := versionview.Process(versions, versionview.Request{
		Page:      queryInt(c, "page", 1),
		PageSize:  queryInt(c, "page_size", 50),
		SortBy:    c.DefaultQuery("sort_by", versionview.SortByCreatedAt),
		SortOrder: c.DefaultQuery("sort_order", versionview.SortOrderDesc),
		Filters:   filters,
	})
	c.JSON(http.StatusOK, result)
}

type versionDetailsPayload struct {
	ProjectID    int64   `json:"project_id"`
	PipelineStep string  `json:"pipeline_step"`
	VersionIDs   []int64 `json:"version_ids"`
}

func (h *httpHandler) handleViewVersionDetails(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request versionDetailsPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ProjectID == 0 || len(request.VersionIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.PipelineStep == "" {
		request.PipelineStep = draftnotes.StepAll
	}

	session, err := h.tracking.Session(identity.SessionToken)
	if err != nil {
		h.respondError(c, err)
		return
	}

	thumbnails, err := tracking.GetThumbnailsByIDs(c.Request.Context(), session, request.VersionIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	noteMap, err := tracking.GetNotesByIDs(c.Request.Context(), session, request.VersionIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}

	heavy := versioncache.HeavyDetails{
		Thumbnails: thumbnails,
		Notes:      make(map[string][]tracking.NoteRecord, len(noteMap)),
	}
	for versionID, notes := range noteMap {
		heavy.Notes[strconv.FormatInt(versionID, 10)] = notes
	}
	h.versionCache.UpdateWithHeavyDetails(versioncache.Key{
		ProjectID:    request.ProjectID,
		PipelineStep: request.PipelineStep,
	}, heavy)

	c.JSON(http.StatusOK, heavy)
}

func (h *httpHandler) handleProjects(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	session, err := h.tracking.Session(identity.SessionToken)
	if err != nil {
		h.respondError(c, err)
		return
	}
	projects, err := tracking.GetProjects(c.Request.Context(), session)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *httpHandler) handlePipelineSteps(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID, ok := parseID(c, "project_id")
	if !ok {
		return
	}
	session, err := h.tracking.Session(identity.SessionToken)
	if err != nil {
		h.respondError(c, err)
		return
	}
	steps, err := tracking.GetPipelineSteps(c.Request.Context(), session, projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

// respondError translates service failures into HTTP responses. A gone client
// gets nothing at all.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, versioncache.ErrClientGone):
		c.Abort()
	case errors.Is(err, draftnotes.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, draftnotes.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, tracking.ErrUpstreamAuth):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func parseID(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || value <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return 0, false
	}
	return value, true
}

func queryInt(c *gin.Context, name string, fallback int) int {
	value, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return fallback
	}
	return value
}

func formInt64(c *gin.Context, name string) int64 {
	value, _ := strconv.ParseInt(c.PostForm(name), 10, 64)
	return value
}
