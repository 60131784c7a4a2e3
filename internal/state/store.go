// Package state holds the chat client's application state: the selected
// model, UI flags, the session list and the active session.
//
// A Store is constructed explicitly and passed to whatever needs it. Cells do
// not validate business rules: an unknown model id or an activeChatId that
// names no session is stored as given. Validation belongs to the caller (see
// ActiveSession) and to the provider router.
package state

import (
	"slices"
	"time"

	"chatku/internal/domain"
	"chatku/internal/ids"
)

type Store struct {
	SelectedModel *Cell[string]
	SidebarOpen   *Cell[bool]
	DarkMode      *Cell[bool]
	ChatSessions  *Cell[[]domain.ChatSession]
	// ActiveChatID is nil when no session is selected.
	ActiveChatID *Cell[*string]

	newID func() string
	now   func() time.Time
}

type Option func(*Store)

// WithIDGenerator replaces ids.New for sessions created by StartSession.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		s.newID = fn
	}
}

// WithClock replaces time.Now for session timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		s.now = fn
	}
}

// New returns a store with application defaults: defaultModel selected,
// sidebar closed, dark mode on, no sessions.
func New(defaultModel string, opts ...Option) *Store {
	s := &Store{
		SelectedModel: NewCell(defaultModel),
		SidebarOpen:   NewCell(false),
		DarkMode:      NewCell(true),
		ChatSessions:  NewCell([]domain.ChatSession{}),
		ActiveChatID:  NewCell[*string](nil),
		newID:         ids.New,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendSession adds session to the end of the list. Ids are not
// deduplicated; callers obtain them from the ids package.
func (s *Store) AppendSession(session domain.ChatSession) {
	s.ChatSessions.Update(func(cur []domain.ChatSession) []domain.ChatSession {
		return append(slices.Clip(cur), session)
	})
}

// StartSession creates a session with a fresh id, appends it and makes it
// the active session.
func (s *Store) StartSession(title string) domain.ChatSession {
	session := domain.ChatSession{
		ID:        s.newID(),
		Title:     title,
		CreatedAt: s.now().UnixMilli(),
	}
	s.AppendSession(session)
	s.SetActive(session.ID)
	return session
}

// RenameSession updates the title of the session with id. It reports
// whether such a session exists.
func (s *Store) RenameSession(id, title string) bool {
	found := false
	s.ChatSessions.Update(func(cur []domain.ChatSession) []domain.ChatSession {
		i := indexOf(cur, id)
		if i < 0 {
			return cur
		}
		found = true
		next := slices.Clone(cur)
		next[i].Title = title
		return next
	})
	return found
}

// DeleteSession removes the session with id and clears the active session
// when it pointed at it.
func (s *Store) DeleteSession(id string) bool {
	found := false
	s.ChatSessions.Update(func(cur []domain.ChatSession) []domain.ChatSession {
		i := indexOf(cur, id)
		if i < 0 {
			return cur
		}
		found = true
		return slices.Delete(slices.Clone(cur), i, i+1)
	})
	if found {
		if active := s.ActiveChatID.Get(); active != nil && *active == id {
			s.ClearActive()
		}
	}
	return found
}

// SetActive stores id as the active session without checking that it exists.
func (s *Store) SetActive(id string) {
	s.ActiveChatID.Set(&id)
}

func (s *Store) ClearActive() {
	s.ActiveChatID.Set(nil)
}

// ActiveSession resolves activeChatId against the session list. A nil or
// dangling id yields false.
func (s *Store) ActiveSession() (domain.ChatSession, bool) {
	active := s.ActiveChatID.Get()
	if active == nil {
		return domain.ChatSession{}, false
	}
	sessions := s.ChatSessions.Get()
	if i := indexOf(sessions, *active); i >= 0 {
		return sessions[i], true
	}
	return domain.ChatSession{}, false
}

func indexOf(sessions []domain.ChatSession, id string) int {
	return slices.IndexFunc(sessions, func(cs domain.ChatSession) bool {
		return cs.ID == id
	})
}
