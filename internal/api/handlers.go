package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kdimtricp/bearwatch/internal/session"
)

const multipartMemory = 32 << 20

var (
	imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true}
	videoExts = map[string]bool{".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true, ".m4v": true, ".3gp": true}
)

type Analyzer interface {
	AnalyzeVideo(ctx context.Context, up session.Upload) (*session.Result, error)
	AnalyzeImage(ctx context.Context, up session.Upload) (*session.Result, error)
}

type App struct {
	Analyzer      Analyzer
	MaxUploadSize int64
	Logger        *zap.Logger
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"message": "Formosan black bear detection API is running",
	})
}

func (app *App) DetectImageHandler(w http.ResponseWriter, r *http.Request) {
	app.handleUpload(w, r, "image", func(up session.Upload) (*session.Result, error) {
		if !imageExts[strings.ToLower(filepath.Ext(up.Filename))] {
			return nil, &httpError{http.StatusBadRequest, "unsupported image format, use PNG, JPG, JPEG, GIF or BMP"}
		}
		return app.Analyzer.AnalyzeImage(r.Context(), up)
	})
}

func (app *App) DetectVideoHandler(w http.ResponseWriter, r *http.Request) {
	app.handleUpload(w, r, "video", func(up session.Upload) (*session.Result, error) {
		return app.Analyzer.AnalyzeVideo(r.Context(), up)
	})
}

// AnalyzeHandler picks the image or video path from the declared content type,
// falling back to the file extension.
func (app *App) AnalyzeHandler(w http.ResponseWriter, r *http.Request) {
	app.handleUpload(w, r, "file", func(up session.Upload) (*session.Result, error) {
		switch mediaKind(up.ContentType, up.Filename) {
		case "image":
			return app.Analyzer.AnalyzeImage(r.Context(), up)
		case "video":
			return app.Analyzer.AnalyzeVideo(r.Context(), up)
		}
		return nil, &httpError{http.StatusBadRequest, "unsupported file type"}
	})
}

func (app *App) handleUpload(w http.ResponseWriter, r *http.Request, field string, analyze func(session.Upload) (*session.Result, error)) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			app.writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		app.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(field)
	if err != nil {
		app.writeError(w, http.StatusBadRequest, "no "+field+" file uploaded")
		return
	}
	defer file.Close()

	up, herr := toUpload(file, header)
	if herr != nil {
		app.writeError(w, herr.status, herr.message)
		return
	}

	result, err := analyze(up)
	if err != nil {
		app.handleAnalyzeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func toUpload(file multipart.File, header *multipart.FileHeader) (session.Upload, *httpError) {
	if header.Filename == "" {
		return session.Upload{}, &httpError{http.StatusBadRequest, "no file selected"}
	}
	if header.Size == 0 {
		return session.Upload{}, &httpError{http.StatusBadRequest, "uploaded file is empty"}
	}
	return session.Upload{
		Filename:    filepath.Base(header.Filename),
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}, nil
}

func (app *App) handleAnalyzeError(w http.ResponseWriter, r *http.Request, err error) {
	var herr *httpError
	switch {
	case errors.As(err, &herr):
		app.writeError(w, herr.status, herr.message)
	case errors.Is(err, session.ErrInvalidInput):
		app.writeError(w, http.StatusBadRequest, "no file uploaded or file is empty")
	case errors.Is(err, session.ErrUnprocessable):
		app.Logger.Warn("unprocessable upload", zap.String("request_id", requestID(r)), zap.Error(err))
		app.writeError(w, http.StatusUnprocessableEntity, "the uploaded video could not be processed")
	default:
		app.Logger.Error("analysis failed", zap.String("request_id", requestID(r)), zap.Error(err))
		app.writeError(w, http.StatusInternalServerError, "unexpected server error")
	}
}

func (app *App) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, session.Result{Success: false, Results: []session.FrameResult{}, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func mediaKind(contentType, filename string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case imageExts[ext]:
		return "image"
	case videoExts[ext]:
		return "video"
	}
	return ""
}
