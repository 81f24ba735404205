package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/facecheck/internal/auth"
	"github.com/example/facecheck/internal/repository"
	"github.com/example/facecheck/internal/usecase"
	"github.com/example/facecheck/internal/verify"
)

// DefaultMaxUploadSize is the multipart body cap used when none is configured.
const DefaultMaxUploadSize int64 = 40 << 20

// multipartSlack covers boundaries and form fields around the file part.
const multipartSlack int64 = 64 << 10

var (
	errUploadTooLarge   = errors.New("upload exceeds size limit")
	errUnsupportedMedia = errors.New("file is not an image")
	errMissingFile      = errors.New("image file is required")
)

// Service is the use case surface the handlers depend on.
type Service interface {
	Strategy() verify.Strategy
	Compare(ctx context.Context, userID string, probe []byte) (*usecase.Outcome, error)
	Register(ctx context.Context, name, email, password string, photo []byte) (*repository.User, error)
	Login(ctx context.Context, email, password string) (*repository.User, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.VerificationLog, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// TokenIssuer mints bearer tokens for a user id.
type TokenIssuer interface {
	Issue(subject string) (string, time.Time, error)
}

// Options configures RegisterRoutes. Auth guards every route except health,
// registration and login.
type Options struct {
	Auth          gin.HandlerFunc
	Tokens        TokenIssuer
	MaxUploadSize int64
}

type handler struct {
	svc           Service
	tokens        TokenIssuer
	maxUploadSize int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc Service, opts Options) {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	h := &handler{svc: svc, tokens: opts.Tokens, maxUploadSize: opts.MaxUploadSize}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "strategy": svc.Strategy()})
	})
	router.POST("/users", h.register)
	router.POST("/cadastro", h.register)
	router.POST("/login", h.login)

	protected := router.Group("/")
	protected.Use(opts.Auth)
	protected.POST("/compare", h.compare)
	protected.POST("/comparar", h.compare)
	protected.GET("/result/:id", h.result)
	protected.GET("/result/:id/duplicates", h.duplicates)
	protected.GET("/metrics/summary", h.metrics)
}

func (h *handler) register(c *gin.Context) {
	photo, err := h.readUpload(c, "photo", "foto")
	if err != nil {
		writeError(c, err)
		return
	}

	user, err := h.svc.Register(c.Request.Context(),
		formValue(c, "name", "nome"),
		c.PostForm("email"),
		formValue(c, "password", "senha"),
		photo,
	)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"name":       user.Name,
		"email":      user.Email,
		"created_at": user.CreatedAt,
	})
}

func (h *handler) login(c *gin.Context) {
	user, err := h.svc.Login(c.Request.Context(), c.PostForm("email"), formValue(c, "password", "senha"))
	if err != nil {
		writeError(c, err)
		return
	}
	if h.tokens == nil {
		writeError(c, errors.New("token issuer not configured"))
		return
	}

	token, expires, err := h.tokens.Issue(user.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"login":      true,
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expires,
		"user_id":    user.ID,
	})
}

func (h *handler) compare(c *gin.Context) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing subject"})
		return
	}

	probe, err := h.readUpload(c, "imagem", "image")
	if err != nil {
		writeError(c, err)
		return
	}

	outcome, err := h.svc.Compare(c.Request.Context(), userID, probe)
	if err != nil {
		writeError(c, err)
		return
	}

	switch res := outcome.Result.(type) {
	case *verify.EmbeddingResult:
		c.JSON(http.StatusOK, gin.H{
			"request_id":   outcome.RequestID,
			"similaridade": res.SimilarityPercent,
			"verified":     res.Verified,
		})
	case *verify.KeypointResult:
		c.JSON(http.StatusOK, gin.H{
			"request_id": outcome.RequestID,
			"verified":   res.Verified,
			"threshold":  res.Threshold,
			"score":      res.Score,
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"request_id": outcome.RequestID,
			"verified":   outcome.Result.Passed(),
			"score":      outcome.Result.Value(),
		})
	}
}

func (h *handler) result(c *gin.Context) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing subject"})
		return
	}

	log, err := h.svc.GetResult(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logView(log))
}

func (h *handler) duplicates(c *gin.Context) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing subject"})
		return
	}

	report, err := h.svc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	duplicates := make([]gin.H, 0, len(report.Duplicates))
	for _, d := range report.Duplicates {
		duplicates = append(duplicates, logView(d))
	}
	c.JSON(http.StatusOK, gin.H{
		"request":    logView(report.Request),
		"duplicates": duplicates,
	})
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// readUpload returns the first present file among fields, enforcing the size
// cap and an image content type.
func (h *handler) readUpload(c *gin.Context, fields ...string) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+multipartSlack)

	var (
		file *multipart.FileHeader
		err  error
	)
	for _, field := range fields {
		file, err = c.FormFile(field)
		if err == nil {
			break
		}
		if isBodyTooLarge(err) {
			return nil, errUploadTooLarge
		}
	}
	if file == nil {
		return nil, errMissingFile
	}
	if file.Size > h.maxUploadSize {
		return nil, errUploadTooLarge
	}

	src, err := file.Open()
	if err != nil {
		return nil, errMissingFile
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUploadSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxUploadSize {
		return nil, errUploadTooLarge
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, errUnsupportedMedia
	}
	return data, nil
}

// formValue returns the first non-empty form field among names.
func formValue(c *gin.Context, names ...string) string {
	for _, name := range names {
		if v := c.PostForm(name); v != "" {
			return v
		}
	}
	return ""
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func logView(log *repository.VerificationLog) gin.H {
	view := gin.H{
		"request_id": log.RequestID,
		"user_id":    log.UserID,
		"strategy":   log.Strategy,
		"score":      log.Score,
		"threshold":  log.Threshold,
		"verified":   log.Verified,
		"latency_ms": log.LatencyMs,
		"created_at": log.CreatedAt,
	}
	if json.Valid([]byte(log.Details)) {
		view["details"] = json.RawMessage(log.Details)
	} else {
		view["details"] = log.Details
	}
	return view
}

func writeError(c *gin.Context, err error) {
	status, kind := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	c.JSON(status, gin.H{"error": kind, "message": message})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errUploadTooLarge):
		return http.StatusRequestEntityTooLarge, "upload_too_large"
	case errors.Is(err, errUnsupportedMedia):
		return http.StatusUnsupportedMediaType, "unsupported_media_type"
	case errors.Is(err, errMissingFile):
		return http.StatusBadRequest, string(verify.KindInvalidImage)
	case errors.Is(err, repository.ErrEmailTaken):
		return http.StatusConflict, "email_taken"
	case errors.Is(err, usecase.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, usecase.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	}

	switch kind := verify.KindOf(err); kind {
	case verify.KindFaceNotDetected, verify.KindMultipleFaces, verify.KindNoKeypoints:
		return http.StatusUnprocessableEntity, string(kind)
	case verify.KindZeroBaseline, verify.KindInvalidImage:
		return http.StatusBadRequest, string(kind)
	case verify.KindUserNotFound:
		return http.StatusNotFound, string(kind)
	}

	if errors.Is(err, repository.ErrNotFound) {
		return http.StatusNotFound, "not_found"
	}
	return http.StatusInternalServerError, string(verify.KindInternal)
}
