// Package server exposes search over HTTP: GET /health and POST /search,
// plus the server.json liveness file under <projectRoot>/.osgrep/.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aliou/osgrep/internal/search"
)

// MaxSearchBody is the request size limit for /search.
const MaxSearchBody = 1 << 20 // 1 MB

// DefaultSearchLimit applies when the request omits limit.
const DefaultSearchLimit = 10

// Info is the server.json payload.
type Info struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
}

// SearchRequest is the POST /search body.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
	Path  string `json:"path,omitempty"`
}

// SearchResponse is the POST /search reply.
type SearchResponse struct {
	Results []search.Result `json:"results"`
}

// Server is the long-running HTTP shell.
type Server struct {
	root     string
	searcher *search.Searcher
	httpSrv  *http.Server
}

// New creates a Server for projectRoot.
func New(projectRoot string, searcher *search.Searcher) (*Server, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	return &Server{root: root, searcher: searcher}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/search", s.handleSearch)
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully. server.json is written on start and removed on exit.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}

	if err := s.writeInfo(port); err != nil {
		ln.Close()
		return err
	}
	defer s.removeInfo()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(ln)
	}()
	slog.Info("server_listening", slog.Int("port", port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxSearchBody)
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload_too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}

	filters, ok := s.pathFilter(req.Path)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_path"})
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	results, err := s.searcher.Search(r.Context(), req.Query, limit, filters)
	if err != nil {
		slog.Error("search_failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "search_failed"})
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// pathFilter translates the request path into a repo-relative prefix
// filter. The resolved path must stay inside the project root.
func (s *Server) pathFilter(reqPath string) (search.Filters, bool) {
	if reqPath == "" {
		return search.Filters{}, true
	}

	resolved := reqPath
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(s.root, resolved)
	}
	resolved = filepath.Clean(resolved)

	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return search.Filters{}, false
	}
	if resolved == s.root {
		return search.Filters{}, true
	}

	rel, err := filepath.Rel(s.root, resolved)
	if err != nil {
		return search.Filters{}, false
	}
	return search.Filters{All: []search.Filter{{
		Key:      "path",
		Operator: "starts_with",
		Value:    filepath.ToSlash(rel),
	}}}, true
}

func (s *Server) infoPath() string {
	return filepath.Join(s.root, ".osgrep", "server.json")
}

func (s *Server) writeInfo(port int) error {
	info := Info{PID: os.Getpid(), Port: port, StartedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.infoPath()), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.infoPath(), data, 0o644)
}

func (s *Server) removeInfo() {
	if err := os.Remove(s.infoPath()); err != nil && !os.IsNotExist(err) {
		slog.Warn("server_info_remove_failed", slog.String("error", err.Error()))
	}
}

// ReadInfo loads server.json for a project, for the status command.
func ReadInfo(projectRoot string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(projectRoot, ".osgrep", "server.json"))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
