package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/collabmd/collabmd/internal/document"
	"github.com/collabmd/collabmd/pkg/logger"
)

// Server is the HTTP surface in front of a Hub: the snapshot/password
// REST endpoints, the WebSocket upgrade, and the ops-observability
// endpoints carried over from the teacher in spirit.
type Server struct {
	hub   *Hub
	mux   *http.ServeMux
	start time.Time
}

// NewServer wires routes onto a fresh Server backed by hub.
func NewServer(hub *Hub) *Server {
	s := &Server{hub: hub, mux: http.NewServeMux(), start: time.Now()}
	s.mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("/api/password", s.handlePassword)
	s.mux.HandleFunc("/api/ws", s.handleWS)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("server listening on %s", addr)
	return http.ListenAndServe(addr, s)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("slug")
	if slug == "" {
		http.Error(w, "slug required", http.StatusBadRequest)
		return
	}

	doc, err := s.hub.Get(slug)
	if err != nil {
		logger.Error("snapshot %s: %v", slug, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if doc.HasPassword() {
		_, password, ok := r.BasicAuth()
		if !ok || !doc.VerifyPassword(password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="collabmd"`)
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]any{
		"slug":    slug,
		"rev":     doc.Rev(),
		"content": doc.Text(),
	})
}

type passwordRequest struct {
	Slug            string `json:"slug"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Slug == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	doc, err := s.hub.Get(req.Slug)
	if err != nil {
		logger.Error("password %s: %v", req.Slug, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var newHash []byte
	if req.NewPassword != "" {
		newHash, err = document.HashPassword(req.NewPassword)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	ok := doc.SetPassword(func(hash []byte) bool {
		return document.CheckPassword(hash, req.CurrentPassword)
	}, newHash)
	if !ok {
		http.Error(w, "unauthorised", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("slug")
	if slug == "" {
		http.Error(w, "slug required", http.StatusBadRequest)
		return
	}

	password := ""
	if token := r.URL.Query().Get("token"); token != "" {
		_, pass, err := decodeBasicToken(token)
		if err != nil {
			http.Error(w, "malformed token", http.StatusBadRequest)
			return
		}
		password = pass
	}

	doc, err := s.hub.Get(slug)
	if err != nil {
		logger.Error("ws %s: %v", slug, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Warn("ws %s: upgrade failed: %v", slug, err)
		return
	}

	s.hub.Touch(slug, doc.Rev())

	connHandler := NewConnection(doc, password, conn)
	if err := connHandler.Handle(r.Context()); err != nil {
		logger.Info("ws %s: connection closed: %v", slug, err)
	}
	conn.Close(connHandler.CloseStatus(), "")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"start_time":    stats.StartTime,
		"num_documents": stats.NumDocuments,
		"index_size":    stats.IndexSize,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// decodeBasicToken decodes a base64 "slug:password" token (the same
// encoding used in an Authorization: Basic header, minus the scheme
// prefix) as carried in the WebSocket URL's token query parameter.
func decodeBasicToken(token string) (user, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return string(raw), "", nil
	}
	return parts[0], parts[1], nil
}
