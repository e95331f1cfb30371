// Package server implements the session router: a hub that owns every
// open document's in-memory state and durability handle, and the
// per-connection WebSocket frame loop and HTTP surface in front of it.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/collabmd/collabmd/internal/document"
	"github.com/collabmd/collabmd/internal/durability"
	"github.com/collabmd/collabmd/pkg/database"
	"github.com/collabmd/collabmd/pkg/logger"
)

// Config configures a Hub.
type Config struct {
	VaultRoot        string
	Window           uint64
	WindowAge        time.Duration
	BroadcastBufSize int
	IdleDocTimeout   time.Duration // how long an unsubscribed document stays resident before eviction
	DB               *database.Database
}

type docEntry struct {
	doc   *document.Document
	store *durability.Store

	// idleSince is when this document was first observed with zero
	// subscribers; zero value means it currently has subscribers (or
	// hasn't been checked yet). The cleaner only evicts once a
	// document has stayed at zero subscribers for cfg.IdleDocTimeout,
	// not merely because the instant it's checked happens to be zero.
	idleSince time.Time
}

// Hub owns the slug -> document registry, opening and recovering a
// document's durability.Store on first access and evicting idle,
// unsubscribed documents from memory on a timer.
type Hub struct {
	cfg       Config
	startTime time.Time

	mu   sync.Mutex
	docs map[string]*docEntry
}

// NewHub creates an empty Hub.
func NewHub(cfg Config) *Hub {
	if cfg.Window == 0 {
		cfg.Window = document.DefaultWindow
	}
	if cfg.BroadcastBufSize == 0 {
		cfg.BroadcastBufSize = 256
	}
	if cfg.IdleDocTimeout == 0 {
		cfg.IdleDocTimeout = time.Hour
	}
	return &Hub{
		cfg:       cfg,
		startTime: time.Now(),
		docs:      make(map[string]*docEntry),
	}
}

// Get returns the document for slug, opening and recovering it from
// the vault if this is the first access since startup.
func (h *Hub) Get(slug string) (*document.Document, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.docs[slug]; ok {
		return e.doc, nil
	}

	store, recovered, err := durability.Open(h.cfg.VaultRoot, slug)
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", slug, err)
	}

	doc := document.Restore(document.Config{
		Slug:             slug,
		Window:           h.cfg.Window,
		WindowAge:        h.cfg.WindowAge,
		BroadcastBufSize: h.cfg.BroadcastBufSize,
		Persister:        store,
	}, recovered.Text, recovered.Rev, recovered.PasswordHash, recovered.Title, recovered.Tail)

	h.docs[slug] = &docEntry{doc: doc, store: store}
	logger.Info("document %s opened at rev %d", slug, recovered.Rev)

	if h.cfg.DB != nil {
		if err := h.cfg.DB.Touch(slug, recovered.Rev, time.Now().UnixMilli()); err != nil {
			logger.Warn("document %s: index touch failed: %v", slug, err)
		}
	}

	return doc, nil
}

// Touch records activity against slug in the secondary index, called
// when a WebSocket connection for slug is accepted.
func (h *Hub) Touch(slug string, rev uint64) {
	if h.cfg.DB == nil {
		return
	}
	if err := h.cfg.DB.Touch(slug, rev, time.Now().UnixMilli()); err != nil {
		logger.Warn("document %s: index touch failed: %v", slug, err)
	}
}

// Stats reports the figures /api/stats exposes.
type Stats struct {
	StartTime    int64
	NumDocuments int
	IndexSize    int
}

// Stats returns current server-wide statistics.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	numDocs := len(h.docs)
	h.mu.Unlock()

	indexSize := 0
	if h.cfg.DB != nil {
		if count, err := h.cfg.DB.Count(); err == nil {
			indexSize = count
		}
	}
	return Stats{StartTime: h.startTime.Unix(), NumDocuments: numDocs, IndexSize: indexSize}
}

// StartPresenceSweeper runs the presence idle-eviction tick (§4.6)
// against every open document until ctx is cancelled.
func (h *Hub) StartPresenceSweeper(ctx context.Context) {
	ticker := time.NewTicker(document.IdleEvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.mu.Lock()
			entries := make([]*docEntry, 0, len(h.docs))
			for _, e := range h.docs {
				entries = append(entries, e)
			}
			h.mu.Unlock()
			for _, e := range entries {
				e.doc.EvictIdle(now)
			}
		}
	}
}

// StartDocumentCleaner evicts documents from memory once they have no
// subscribers and haven't been touched in cfg.IdleDocTimeout. Eviction
// closes the in-memory Document and its durability.Store; the vault
// files on disk are untouched and the document reopens lazily on the
// next Get.
func (h *Hub) StartDocumentCleaner(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.IdleDocTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepIdleDocuments()
		}
	}
}

func (h *Hub) sweepIdleDocuments() {
	now := time.Now()
	cutoffMs := now.Add(-h.cfg.IdleDocTimeout).UnixMilli()

	h.mu.Lock()
	var evicted []string
	for slug, e := range h.docs {
		if e.doc.SubscriberCount() > 0 {
			e.idleSince = time.Time{}
			continue
		}
		if e.idleSince.IsZero() {
			e.idleSince = now
			continue
		}
		if now.Sub(e.idleSince) < h.cfg.IdleDocTimeout {
			continue
		}
		if h.cfg.DB != nil {
			rec, err := h.cfg.DB.Get(slug)
			if err == nil && rec != nil && rec.LastAccessedMs >= cutoffMs {
				continue
			}
		}
		e.doc.Close()
		if err := e.store.Close(); err != nil {
			logger.Warn("document %s: close on evict failed: %v", slug, err)
		}
		delete(h.docs, slug)
		evicted = append(evicted, slug)
	}
	h.mu.Unlock()

	if len(evicted) > 0 {
		logger.Info("evicted idle documents from memory: %v", evicted)
	}
}

// Shutdown closes every resident document's durability store.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for slug, e := range h.docs {
		e.doc.Close()
		if err := e.store.Close(); err != nil {
			logger.Warn("document %s: close on shutdown failed: %v", slug, err)
		}
	}
}
