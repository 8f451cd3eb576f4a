package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/banux/imgshelf/internal/library"
	"github.com/banux/imgshelf/internal/media"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling file parts to disk.
const multipartMemory = 32 << 20

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the {success:false, error} envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// fail maps a library error to its HTTP status and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, library.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, library.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// imageID extracts the {id} route variable.
func imageID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		return 0, fmt.Errorf("image id: %w", library.ErrInvalid)
	}
	return id, nil
}

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleList returns every image as stored.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	images, err := s.library.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

// parseMultipart limits and parses a multipart request body.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request, maxFiles int) error {
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxFiles)*s.opts.MaxUploadSize+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return fmt.Errorf("request too large or malformed: %v: %w", err, library.ErrInvalid)
	}
	return nil
}

// toUpload validates one file part and wraps it for the library.
func (s *Server) toUpload(fh *multipart.FileHeader) (library.Upload, error) {
	if fh.Size > s.opts.MaxUploadSize {
		return library.Upload{}, fmt.Errorf("file %q exceeds %d bytes: %w", fh.Filename, s.opts.MaxUploadSize, library.ErrInvalid)
	}
	ct := fh.Header.Get("Content-Type")
	if !media.Allowed(ct) {
		return library.Upload{}, fmt.Errorf("only image files can be uploaded (%q is %s): %w", fh.Filename, ct, library.ErrInvalid)
	}
	return library.Upload{
		Filename:    fh.Filename,
		ContentType: ct,
		Open:        func() (io.ReadCloser, error) { return fh.Open() },
	}, nil
}

// ingestResponse is the body returned by POST /api/images.
type ingestResponse struct {
	Success bool                  `json:"success"`
	Images  []library.Image       `json:"images"`
	Merged  []library.MergeResult `json:"merged"`
	Message string                `json:"message"`
}

// handleIngest accepts a batch of images in the "files" field, with optional
// "theme" override and "merge" flag.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r, s.opts.MaxFiles); err != nil {
		s.fail(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) > s.opts.MaxFiles {
		s.fail(w, r, fmt.Errorf("at most %d files per upload: %w", s.opts.MaxFiles, library.ErrInvalid))
		return
	}
	uploads := make([]library.Upload, 0, len(headers))
	for _, fh := range headers {
		up, err := s.toUpload(fh)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		uploads = append(uploads, up)
	}

	res, err := s.library.Ingest(r.Context(), uploads, r.FormValue("theme"), r.FormValue("merge") == "true")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Success: true,
		Images:  res.Created,
		Merged:  res.Merged,
		Message: res.Message(),
	})
}

// imageUpdateRequest is the JSON body for PUT /api/images/{id}. Only these
// fields can be edited; absent fields are left unchanged.
type imageUpdateRequest struct {
	Theme            *string           `json:"theme"`
	ThemeDescription *string           `json:"themeDescription"`
	Status           *library.Status   `json:"status"`
	Tags             []string          `json:"tags"`
	Mood             []string          `json:"mood"`
	Prompt           *string           `json:"prompt"`
	Memo             *string           `json:"memo"`
	Name             *string           `json:"name"`
	Service          []string          `json:"service"`
	ServiceImages    map[string]string `json:"serviceImages"`
	Assignees        []string          `json:"assignees"`
}

// handleUpdate applies a partial update to one image.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := imageID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var req imageUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, fmt.Errorf("invalid JSON: %v: %w", err, library.ErrInvalid))
		return
	}

	img, err := s.library.Update(id, library.Update{
		Theme:            req.Theme,
		ThemeDescription: req.ThemeDescription,
		Status:           req.Status,
		Tags:             req.Tags,
		Mood:             req.Mood,
		Prompt:           req.Prompt,
		Memo:             req.Memo,
		Name:             req.Name,
		Service:          req.Service,
		ServiceImages:    req.ServiceImages,
		Assignees:        req.Assignees,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "image": img})
}

// handleDelete removes one image and its files.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := imageID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.library.Delete(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// bulkStatusRequest is the JSON body for PUT /api/images/bulk/status.
type bulkStatusRequest struct {
	IDs    []int          `json:"ids"`
	Status library.Status `json:"status"`
}

// handleBulkStatus sets one status on many images.
func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, fmt.Errorf("invalid JSON: %v: %w", err, library.ErrInvalid))
		return
	}
	if err := s.library.BulkStatus(req.IDs, req.Status); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleThemes lists the distinct themes.
func (s *Server) handleThemes(w http.ResponseWriter, r *http.Request) {
	themes, err := s.library.Themes()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, themes)
}

// handleStats returns library counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.library.Stats()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleServices lists the known services and their variant sizes.
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.library.Services())
}

// handleDownload serves an image file, optionally a service variant and
// optionally cover-fitted to ?width=&height=. Sizes above the library's
// maximum dimension are rejected with 400.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := imageID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	width, err := dimension(q.Get("width"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	height, err := dimension(q.Get("height"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	dl, err := s.library.ResolveDownload(id, library.DownloadRequest{
		Service: q.Get("service"),
		Size:    media.Size{Width: width, Height: height},
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Disposition", contentDisposition(dl.Filename))
	if dl.Resized() {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
		_, _ = w.Write(dl.Data)
		return
	}

	f, err := os.Open(dl.Path)
	if err != nil {
		s.fail(w, r, fmt.Errorf("open file: %w", err))
		return
	}
	defer f.Close()
	http.ServeContent(w, r, dl.Filename, time.Time{}, f)
}

// dimension parses a width or height query value. A missing or malformed
// value means no resize; a number that does not fit an int is rejected.
func dimension(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("dimension %q out of range: %w", v, library.ErrInvalid)
	}
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// handleServiceImage stores the "file" part as the variant for the "service"
// form field.
func (s *Server) handleServiceImage(w http.ResponseWriter, r *http.Request) {
	id, err := imageID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.parseMultipart(w, r, 1); err != nil {
		s.fail(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	service := strings.TrimSpace(r.FormValue("service"))
	if service == "" {
		s.fail(w, r, fmt.Errorf("service name is required: %w", library.ErrInvalid))
		return
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		s.fail(w, r, fmt.Errorf("missing 'file' field in form: %w", library.ErrInvalid))
		return
	}
	up, err := s.toUpload(headers[0])
	if err != nil {
		s.fail(w, r, err)
		return
	}

	img, err := s.library.SetServiceImage(id, service, up)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"serviceImages": img.ServiceImages,
		"url":           img.URL,
	})
}

// contentDisposition builds an attachment header carrying name in the
// RFC 5987 extended form, escaped like JavaScript's encodeURIComponent.
func contentDisposition(name string) string {
	return "attachment; filename*=UTF-8''" + encodeURIComponent(name)
}

// encodeURIComponent percent-encodes every byte except the unreserved marks
// A-Z a-z 0-9 - _ . ! ~ * ' ( ).
func encodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			strings.IndexByte("-_.!~*'()", c) >= 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0F])
		}
	}
	return b.String()
}
