// Package durability implements the per-slug write-ahead log and
// snapshot persistence that backs a document: snapshot.v1 (full text +
// rev), wal.v1 (length-prefixed, CRC32C-checked applied-op records)
// and meta.v1 (password hash, title, created_ms), with crash-safe
// recovery and atomic-rename compaction. It owns these on-disk files
// exclusively; internal/document depends only on the Persister
// interface it satisfies.
package durability

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collabmd/collabmd/internal/ot"
	"github.com/collabmd/collabmd/internal/textbuf"
	"github.com/collabmd/collabmd/pkg/logger"
)

// Recovered is the state a Store reconstructs when opened: the
// authoritative text/rev as of the last good record, any tail of
// applied ops the caller may want to seed a transform window with, and
// persisted metadata.
type Recovered struct {
	Text         string
	Rev          uint64
	PasswordHash []byte
	Title        string
	Tail         []ot.AppliedOp
}

// Store is a per-slug durability handle. It satisfies
// internal/document.Persister.
type Store struct {
	dir  string
	slug string

	mu           sync.Mutex
	wal          *os.File
	walBytes     int64
	rev          uint64
	snapshotRev  uint64
	buf          *textbuf.Buffer
	passwordHash []byte
	title        string
	createdMs    int64

	degraded   atomic.Bool
	retryMu    sync.Mutex
	retrying   bool
	stopRetry  chan struct{}
}

// Open opens (creating if absent) the durability directory for slug
// under root, recovering any existing snapshot/WAL.
func Open(root, slug string) (*Store, Recovered, error) {
	dir := filepath.Join(root, slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Recovered{}, fmt.Errorf("create document directory: %w", err)
	}

	snap, err := readSnapshot(dir)
	if err != nil {
		return nil, Recovered{}, err
	}
	text, rev := "", uint64(0)
	if snap != nil {
		text, rev = snap.Text, snap.Rev
	}
	snapshotRev := rev

	buf := textbuf.New(text)
	var tail []ot.AppliedOp

	walPath := filepath.Join(dir, walFilename)
	if walData, err := os.ReadFile(walPath); err == nil {
		ops, goodBytes := readWAL(bytes.NewReader(walData), rev)
		for _, op := range ops {
			ot.Apply(buf, op.Op)
			rev = op.Rev
		}
		tail = ops
		if int64(len(walData)) != goodBytes {
			logger.Warn("durability %s: wal had trailing garbage, truncating to %d bytes", slug, goodBytes)
			if err := os.Truncate(walPath, goodBytes); err != nil {
				return nil, Recovered{}, fmt.Errorf("truncate wal: %w", err)
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, Recovered{}, fmt.Errorf("read wal: %w", err)
	}

	passwordHash, title, createdMs, err := readMeta(dir)
	if err != nil {
		return nil, Recovered{}, err
	}
	if createdMs == 0 {
		createdMs = time.Now().UnixMilli()
	}

	wal, err := os.OpenFile(walPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, Recovered{}, fmt.Errorf("open wal: %w", err)
	}
	info, err := wal.Stat()
	if err != nil {
		wal.Close()
		return nil, Recovered{}, fmt.Errorf("stat wal: %w", err)
	}

	s := &Store{
		dir:          dir,
		slug:         slug,
		wal:          wal,
		walBytes:     info.Size(),
		rev:          rev,
		snapshotRev:  snapshotRev,
		buf:          buf,
		passwordHash: passwordHash,
		title:        title,
		createdMs:    createdMs,
	}

	return s, Recovered{Text: buf.Text(), Rev: rev, PasswordHash: passwordHash, Title: title, Tail: tail}, nil
}

// Append durably records op as the next WAL entry, compacting into a
// fresh snapshot afterward if the WAL has grown past the configured
// thresholds.
func (s *Store) Append(applied ot.AppliedOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := appendRecord(s.wal, applied)
	if err != nil {
		s.enterDegraded()
		return err
	}
	s.walBytes += n
	s.rev = applied.Rev
	ot.Apply(s.buf, applied.Op)
	s.clearDegraded()

	if s.walBytes > SnapshotMaxBytes || s.rev-s.snapshotRev > SnapshotMaxOps {
		if err := s.compactLocked(); err != nil {
			logger.Warn("durability %s: compaction failed: %v", s.slug, err)
		}
	}
	return nil
}

// compactLocked must be called with mu held. It snapshots the current
// text, renames it over snapshot.v1, then truncates the WAL.
func (s *Store) compactLocked() error {
	if err := writeSnapshotAtomic(s.dir, snapshotFile{Rev: s.rev, Text: s.buf.Text()}); err != nil {
		return err
	}
	if err := s.wal.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if _, err := s.wal.Seek(0, 0); err != nil {
		return fmt.Errorf("seek wal: %w", err)
	}
	s.walBytes = 0
	s.snapshotRev = s.rev
	return nil
}

// SaveMeta durably updates the document's password hash and title.
func (s *Store) SaveMeta(passwordHash []byte, title string) error {
	s.mu.Lock()
	createdMs := s.createdMs
	s.mu.Unlock()

	if err := writeMetaAtomic(s.dir, passwordHash, title, createdMs); err != nil {
		s.enterDegraded()
		return err
	}
	s.clearDegraded()

	s.mu.Lock()
	s.passwordHash = passwordHash
	s.title = title
	s.mu.Unlock()
	return nil
}

// Healthy reports whether the store is currently able to accept
// writes.
func (s *Store) Healthy() bool {
	return !s.degraded.Load()
}

// Close stops any degraded-state retry loop and closes the WAL file
// handle. Every record was already fsynced by Append.
func (s *Store) Close() error {
	s.retryMu.Lock()
	if s.retrying && s.stopRetry != nil {
		close(s.stopRetry)
		s.retrying = false
	}
	s.retryMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

func (s *Store) enterDegraded() {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	logger.Warn("durability %s: entering degraded state", s.slug)
	s.startRetryLoop()
}

func (s *Store) clearDegraded() {
	if s.degraded.CompareAndSwap(true, false) {
		logger.Warn("durability %s: recovered from degraded state", s.slug)
	}
}

// startRetryLoop runs a capped exponential backoff probe that retests
// writability until it succeeds, clearing the degraded flag.
func (s *Store) startRetryLoop() {
	s.retryMu.Lock()
	if s.retrying {
		s.retryMu.Unlock()
		return
	}
	s.retrying = true
	stop := make(chan struct{})
	s.stopRetry = stop
	s.retryMu.Unlock()

	go func() {
		delay := 250 * time.Millisecond
		const maxDelay = 30 * time.Second
		for {
			select {
			case <-stop:
				return
			case <-time.After(delay):
			}
			if s.probeWritable() {
				s.clearDegraded()
				s.retryMu.Lock()
				s.retrying = false
				s.retryMu.Unlock()
				return
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}()
}

// probeWritable attempts a zero-length sync of the WAL handle to test
// whether the underlying filesystem has recovered.
func (s *Store) probeWritable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.wal.Sync(); err != nil {
		return false
	}
	if _, err := os.Stat(s.dir); err != nil {
		return false
	}
	return true
}
