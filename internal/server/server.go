// Package server implements the HTTP server and routing for imgshelf.
package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/banux/imgshelf/internal/library"
)

const (
	defaultMaxUploadSize = 10 << 20
	defaultMaxFiles      = 20
)

// Options holds optional configuration for the Server.
type Options struct {
	// MaxUploadSize is the per-file upload limit in bytes. Defaults to 10 MB.
	MaxUploadSize int64

	// MaxFiles is the maximum number of files per upload batch. Defaults to 20.
	MaxFiles int

	// UploadsDir is served at /uploads/. If empty, stored files are not served.
	UploadsDir string

	// StaticFS is the filesystem containing the frontend static assets.
	// If nil, the frontend is not served.
	StaticFS fs.FS

	// Logger receives request and failure logs. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Server is the HTTP server for the image library.
type Server struct {
	router  *mux.Router
	library *library.Library
	opts    Options
	log     *zap.Logger
}

// New creates and configures a new Server over lib.
func New(lib *library.Library, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = defaultMaxUploadSize
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = defaultMaxFiles
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		router:  mux.NewRouter(),
		library: lib,
		opts:    opts,
		log:     opts.Logger,
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler, delegating to the mux router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// registerRoutes sets up all endpoint routes.
func (s *Server) registerRoutes() {
	r := s.router
	r.Use(s.logRequests, corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/images", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/images", s.handleIngest).Methods(http.MethodPost)

	// Registered before /images/{id} so "bulk" is never parsed as an id.
	api.HandleFunc("/images/bulk/status", s.handleBulkStatus).Methods(http.MethodPut)

	api.HandleFunc("/images/{id:[0-9]+}", s.handleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/images/{id:[0-9]+}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/images/{id:[0-9]+}/download", s.handleDownload).Methods(http.MethodGet)
	api.HandleFunc("/images/{id:[0-9]+}/service-image", s.handleServiceImage).Methods(http.MethodPost)

	api.HandleFunc("/themes", s.handleThemes).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)

	// Preflight requests are answered by corsMiddleware; the route only
	// needs to exist so mux does not reply 405.
	api.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	if s.opts.UploadsDir != "" {
		r.PathPrefix("/uploads/").Handler(
			http.StripPrefix("/uploads/", http.FileServer(uploadsFS{http.Dir(s.opts.UploadsDir)})))
	}

	if s.opts.StaticFS != nil {
		r.PathPrefix("/").Handler(http.FileServer(http.FS(s.opts.StaticFS)))
	}
}

// uploadsFS exposes stored files only. Directories and dot-prefixed names,
// such as in-flight ".upload-*.tmp" files, are reported as missing.
type uploadsFS struct {
	root http.FileSystem
}

func (u uploadsFS) Open(name string) (http.File, error) {
	if strings.HasPrefix(path.Base(name), ".") {
		return nil, fs.ErrNotExist
	}
	f, err := u.root.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}

// corsMiddleware allows browser clients from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// logRequests logs one line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
