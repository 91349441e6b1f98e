package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/runbox/pkg/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrTimeoutExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, types.ErrPoolExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrSandboxUnhealthy):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleExec(c echo.Context) error {
	var req types.ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
	}

	resp, err := s.cfg.Executor.Execute(c.Request().Context(), &req)
	if err != nil {
		// Timeouts still carry whatever the code printed before the kill.
		if errors.Is(err, types.ErrTimeoutExceeded) && resp != nil {
			return c.JSON(http.StatusRequestTimeout, resp)
		}
		return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

type uploadResponse struct {
	SessionID   string `json:"session_id"`
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *Server) handleUpload(c echo.Context) error {
	if s.cfg.Blobs == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "file storage is not configured"})
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "file field is required"})
	}
	sessionID := c.FormValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	src, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable upload"})
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable upload"})
	}

	fileID := uuid.NewString()
	if err := s.cfg.Blobs.Put(c.Request().Context(), sessionID, fileID, fh.Filename, data); err != nil {
		return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
	}

	resp := uploadResponse{
		SessionID: sessionID,
		FileID:    fileID,
		Filename:  fh.Filename,
		Size:      int64(len(data)),
	}
	if s.cfg.Tokens != nil {
		token, err := s.cfg.Tokens.Issue(sessionID, fileID)
		if err == nil {
			resp.DownloadURL = fmt.Sprintf("/download/%s/%s?token=%s", sessionID, fileID, token)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDownload(c echo.Context) error {
	if s.cfg.Blobs == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "file storage is not configured"})
	}
	sessionID := c.Param("sessionId")
	fileID := c.Param("fileId")

	if !s.downloadAuthorized(c, sessionID, fileID) {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing or invalid credentials"})
	}

	data, filename, err := s.cfg.Blobs.Get(c.Request().Context(), sessionID, fileID)
	if err != nil {
		return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
	}
	if filename == "" {
		filename = fileID
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

// downloadAuthorized accepts either the service API key or a signed
// link token scoped to exactly this file.
func (s *Server) downloadAuthorized(c echo.Context, sessionID, fileID string) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	key := c.Request().Header.Get("X-API-Key")
	if key == "" {
		key = c.QueryParam("api_key")
	}
	if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1 {
		return true
	}

	token := c.QueryParam("token")
	if token == "" || s.cfg.Tokens == nil {
		return false
	}
	claims, err := s.cfg.Tokens.Verify(token)
	if err != nil {
		return false
	}
	return claims.SessionID == sessionID && claims.FileID == fileID
}

func (s *Server) handleSessionMeta(c echo.Context) error {
	meta, err := s.cfg.Executor.SessionMeta(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) handlePurgeSession(c echo.Context) error {
	if err := s.cfg.Executor.PurgeSession(c.Request().Context(), c.Param("sessionId")); err != nil {
		return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePoolStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cfg.Executor.PoolStats())
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetailed(c echo.Context) error {
	ctx := c.Request().Context()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"redis":  s.probe(ctx, s.cfg.RedisProbe),
		"s3":     s.probe(ctx, s.cfg.S3Probe),
		"pool":   s.cfg.Executor.PoolStats(),
	})
}
