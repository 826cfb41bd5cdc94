package hls

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/osprey-nvr/osprey/internal/storage"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Server exposes the playlist routes, the fragment file routes and the
// websocket event feed.
type Server struct {
	addr       string
	assembler  *Assembler
	recordings *storage.RecordingStore
	tiers      []storage.Tier
	hub        *Hub
	logger     *slog.Logger

	http *http.Server
}

func NewServer(addr string, assembler *Assembler, recordings *storage.RecordingStore, tiers []storage.Tier, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		addr:       addr,
		assembler:  assembler,
		recordings: recordings,
		tiers:      tiers,
		hub:        hub,
		logger:     logger.With("component", "hls"),
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Router builds the chi routing tree. Exposed for tests.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/api/v1/hls/{camera}/index.m3u8", s.handleWindowPlaylist)
	r.Get("/api/v1/hls/recording/{id}/index.m3u8", s.handleRecordingPlaylist)
	r.Get(FilesRoutePrefix+"/*", s.handleFile)
	if s.hub != nil {
		r.Get("/ws", s.hub.handleWS)
	}

	return r
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info("HLS server listening", "addr", s.addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HLS server failed", "error", err)
		}
	}()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("HLS server shutdown", "error", err)
	}
}

// handleWindowPlaylist serves /api/v1/hls/{camera}/index.m3u8?from=&to=
// with unix-second bounds.
func (s *Server) handleWindowPlaylist(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera")

	from, errFrom := parseUnix(r.URL.Query().Get("from"))
	to, errTo := parseUnix(r.URL.Query().Get("to"))
	if errFrom != nil || errTo != nil || !to.After(from) {
		http.Error(w, "invalid window", http.StatusBadRequest)
		return
	}

	pl, err := s.assembler.ForWindow(r.Context(), cameraID, from, to)
	if errors.Is(err, ErrNoFragments) {
		http.Error(w, "no fragments", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Window playlist failed", "camera", cameraID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Write([]byte(pl))
}

func (s *Server) handleRecordingPlaylist(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid recording id", http.StatusBadRequest)
		return
	}

	rec, err := s.recordings.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("Recording lookup failed", "recording", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "unknown recording", http.StatusNotFound)
		return
	}

	pl, err := s.assembler.ForRecording(r.Context(), rec)
	if errors.Is(err, ErrNoFragments) {
		http.Error(w, "no fragments", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Recording playlist failed", "recording", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Write([]byte(pl))
}

// handleFile serves fragment and init files by their absolute path,
// restricted to the configured tier roots.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	path := filepath.Clean("/" + chi.URLParam(r, "*"))
	if !s.underTier(path) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	switch filepath.Ext(path) {
	case ".m4s":
		w.Header().Set("Content-Type", "video/iso.segment")
	case ".mp4":
		w.Header().Set("Content-Type", "video/mp4")
	case ".jpg":
		w.Header().Set("Content-Type", "image/jpeg")
	}
	http.ServeFile(w, r, path)
}

func (s *Server) underTier(path string) bool {
	for _, tier := range s.tiers {
		root := filepath.Clean(tier.Path)
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func parseUnix(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("missing")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(f*1e9)), nil
}
