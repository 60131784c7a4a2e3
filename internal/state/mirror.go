package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"chatku/internal/domain"
)

// StorageKey is the key under which KVPersister stores the snapshot.
const StorageKey = "chatku:state"

// Snapshot is the persisted form of a Store.
type Snapshot struct {
	SelectedModel string               `json:"selectedModel"`
	SidebarOpen   bool                 `json:"sidebarOpen"`
	DarkMode      bool                 `json:"darkMode"`
	ChatSessions  []domain.ChatSession `json:"chatSessions"`
	ActiveChatID  *string              `json:"activeChatId"`
}

func (s *Store) Snapshot() Snapshot {
	var active *string
	if id := s.ActiveChatID.Get(); id != nil {
		v := *id
		active = &v
	}
	sessions := slices.Clone(s.ChatSessions.Get())
	if sessions == nil {
		sessions = []domain.ChatSession{}
	}
	return Snapshot{
		SelectedModel: s.SelectedModel.Get(),
		SidebarOpen:   s.SidebarOpen.Get(),
		DarkMode:      s.DarkMode.Get(),
		ChatSessions:  sessions,
		ActiveChatID:  active,
	}
}

// Restore writes every field of snap into the store's cells.
func (s *Store) Restore(snap Snapshot) {
	sessions := slices.Clone(snap.ChatSessions)
	if sessions == nil {
		sessions = []domain.ChatSession{}
	}
	s.SelectedModel.Set(snap.SelectedModel)
	s.SidebarOpen.Set(snap.SidebarOpen)
	s.DarkMode.Set(snap.DarkMode)
	s.ChatSessions.Set(sessions)
	s.ActiveChatID.Set(snap.ActiveChatID)
}

// Persister receives a snapshot whenever the mirrored store changes.
type Persister interface {
	Persist(snap Snapshot) error
}

// Mirror subscribes to every cell of store and hands a fresh snapshot to p
// after each change. The initial replay from subscribing is not persisted.
// The returned function detaches the mirror.
func Mirror(store *Store, p Persister) func() {
	var (
		mu    sync.Mutex
		armed bool
	)
	persist := func() {
		mu.Lock()
		ok := armed
		mu.Unlock()
		if !ok {
			return
		}
		if err := p.Persist(store.Snapshot()); err != nil {
			slog.Warn("state: persist snapshot failed", "err", err)
		}
	}

	unsubs := []func(){
		store.SelectedModel.Subscribe(func(string) { persist() }),
		store.SidebarOpen.Subscribe(func(bool) { persist() }),
		store.DarkMode.Subscribe(func(bool) { persist() }),
		store.ChatSessions.Subscribe(func([]domain.ChatSession) { persist() }),
		store.ActiveChatID.Subscribe(func(*string) { persist() }),
	}

	mu.Lock()
	armed = true
	mu.Unlock()

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// KV is a string key-value store with the shape of browser local storage.
type KV interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
}

// KVPersister encodes snapshots as JSON under StorageKey.
type KVPersister struct {
	KV KV
}

func (p KVPersister) Persist(snap Snapshot) error {
	if p.KV == nil {
		return errors.New("state: kv must not be nil")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}
	if err := p.KV.SetItem(StorageKey, string(raw)); err != nil {
		return fmt.Errorf("state: write snapshot: %w", err)
	}
	return nil
}

// Load reads a previously persisted snapshot. ok is false when nothing has
// been stored yet.
func (p KVPersister) Load() (snap Snapshot, ok bool, err error) {
	if p.KV == nil {
		return Snapshot{}, false, errors.New("state: kv must not be nil")
	}
	raw, found := p.KV.GetItem(StorageKey)
	if !found {
		return Snapshot{}, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("state: decode snapshot: %w", err)
	}
	return snap, true, nil
}

// MapKV is an in-memory KV. The zero value is ready to use.
type MapKV struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMapKV() *MapKV {
	return &MapKV{items: map[string]string{}}
}

func (m *MapKV) GetItem(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *MapKV) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string]string{}
	}
	m.items[key] = value
	return nil
}
