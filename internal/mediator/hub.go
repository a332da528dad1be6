package mediator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
	"github.com/ssau-fiit/cloudocs-ot/internal/protocol"
)

// Store persists authoritative document text between sessions.
type Store interface {
	LoadText(ctx context.Context, id string) (text string, revision uint64, err error)
	SaveText(ctx context.Context, id, text string, revision uint64) error
}

// Hub holds the mediators of all open documents. Documents are independent:
// each mediator has its own lock.
type Hub struct {
	mu     sync.Mutex
	docs   map[string]*Mediator
	store  Store
	sender Sender
	cfg    Config
	log    zerolog.Logger
}

// NewHub creates a hub. store may be nil, in which case documents start
// empty and are never persisted.
func NewHub(store Store, sender Sender, cfg Config) *Hub {
	return &Hub{
		docs:   make(map[string]*Mediator),
		store:  store,
		sender: sender,
		cfg:    cfg,
		log:    cfg.Logger,
	}
}

// Join opens document id if needed and adds site to it.
func (h *Hub) Join(ctx context.Context, id string, site ot.SiteID) (*Mediator, protocol.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.openLocked(ctx, id)
	if err != nil {
		return nil, protocol.Snapshot{}, err
	}
	snap, err := m.Join(site)
	if err != nil {
		return nil, protocol.Snapshot{}, err
	}
	return m, snap, nil
}

// Leave removes site from document id. The last participant out flushes the
// document and closes it. A document that could not be saved stays open so
// the next Flush retries it.
func (h *Hub) Leave(ctx context.Context, id string, site ot.SiteID) error {
	h.mu.Lock()
	m, ok := h.docs[id]
	if ok {
		m.Leave(site)
	}
	h.mu.Unlock()
	if !ok || m.Len() > 0 {
		return nil
	}

	// Saving happens outside h.mu so other documents are not held up by
	// the store.
	if err := h.flush(ctx, m); err != nil {
		h.log.Warn().Err(err).Str("document", id).Msg("keeping unsaved document open")
		return err
	}
	h.release(m)
	return nil
}

// release closes m if it is still open, empty and saved.
func (h *Hub) release(m *Mediator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.docs[m.ID()] != m || m.Len() > 0 {
		return
	}
	if _, _, dirty := m.dirty(); dirty {
		return
	}
	delete(h.docs, m.ID())
	h.log.Debug().Str("document", m.ID()).Msg("closed document")
}

// Get returns the mediator of an open document.
func (h *Hub) Get(id string) (*Mediator, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.docs[id]
	return m, ok
}

// Documents lists open documents.
func (h *Hub) Documents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.docs))
	for id := range h.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close drops document id without saving it and disconnects its
// participants.
func (h *Hub) Close(id, reason string) {
	h.mu.Lock()
	m, ok := h.docs[id]
	delete(h.docs, id)
	h.mu.Unlock()
	if ok {
		m.Shutdown(reason)
	}
}

// Flush saves every document whose text changed since the last flush and
// closes saved documents nobody is editing.
func (h *Hub) Flush(ctx context.Context) error {
	h.mu.Lock()
	docs := make([]*Mediator, 0, len(h.docs))
	for _, m := range h.docs {
		docs = append(docs, m)
	}
	h.mu.Unlock()

	var errs []error
	for _, m := range docs {
		if err := h.flush(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		// Documents left open by a failed save on Leave.
		h.release(m)
	}
	return errors.Join(errs...)
}

func (h *Hub) openLocked(ctx context.Context, id string) (*Mediator, error) {
	if m, ok := h.docs[id]; ok {
		return m, nil
	}
	var (
		text     string
		revision uint64
	)
	if h.store != nil {
		var err error
		if text, revision, err = h.store.LoadText(ctx, id); err != nil {
			return nil, fmt.Errorf("load document %s: %w", id, err)
		}
	}
	m := New(id, text, revision, h.sender, h.cfg)
	h.docs[id] = m
	h.log.Debug().Str("document", id).Uint64("revision", revision).Msg("opened document")
	return m, nil
}

func (h *Hub) flush(ctx context.Context, m *Mediator) error {
	if h.store == nil {
		return nil
	}
	text, revision, dirty := m.dirty()
	if !dirty {
		return nil
	}
	if err := h.store.SaveText(ctx, m.ID(), text, revision); err != nil {
		return fmt.Errorf("save document %s: %w", m.ID(), err)
	}
	m.markSaved(revision)
	h.log.Debug().Str("document", m.ID()).Uint64("revision", revision).Msg("flushed document")
	return nil
}
