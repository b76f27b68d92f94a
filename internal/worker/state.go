package worker

import (
	"sync"

	"docchat/internal/models"

	"docchat/internal/ai"
)

type userState struct {
	mu          sync.RWMutex
	ready       map[int64]int64
	sessions    map[int64]*models.Session
	history     map[int64][]*models.Message
	attachments map[int64][]*models.Attachment
	resources   map[int64]*sessionResources
}

// sessionResources pins the generation engine built for a session to the
// provider/model/token triple it was built with, so a switch mid-session
// rebuilds it.
type sessionResources struct {
	engine   *ai.Engine
	provider string
	model    string
	token    string
}

func newUserState() *userState {
	return &userState{
		ready:       make(map[int64]int64),
		sessions:    make(map[int64]*models.Session),
		history:     make(map[int64][]*models.Message),
		attachments: make(map[int64][]*models.Attachment),
		resources:   make(map[int64]*sessionResources),
	}
}

func (s *userState) isReady(sessionID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ready[sessionID]
	return ok
}

func (s *userState) markReady(sessionID int64) {
	s.mu.Lock()
	s.ready[sessionID] = sessionID
	s.mu.Unlock()
}

func (s *userState) setSession(session *models.Session) {
	if session == nil {
		return
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
}

func (s *userState) getSession(sessionID int64) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

func (s *userState) setHistory(sessionID int64, history []*models.Message) {
	s.mu.Lock()
	s.history[sessionID] = history
	s.mu.Unlock()
}

func (s *userState) appendHistory(sessionID int64, msg *models.Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	s.history[sessionID] = append(s.history[sessionID], msg)
	s.mu.Unlock()
}

func (s *userState) getHistory(sessionID int64) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history[sessionID]
}

func (s *userState) setAttachments(sessionID int64, attachments []*models.Attachment) {
	s.mu.Lock()
	s.attachments[sessionID] = attachments
	s.mu.Unlock()
}

func (s *userState) getAttachments(sessionID int64) ([]*models.Attachment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attachments, ok := s.attachments[sessionID]
	return attachments, ok
}

func (s *userState) purgeAttachments(sessionID int64) {
	s.mu.Lock()
	delete(s.attachments, sessionID)
	s.mu.Unlock()
}

func (s *userState) purgeCache(sessionID int64) {
	s.mu.Lock()
	delete(s.ready, sessionID)
	delete(s.sessions, sessionID)
	delete(s.history, sessionID)
	delete(s.attachments, sessionID)
	delete(s.resources, sessionID)
	s.mu.Unlock()
}

func (s *userState) reset() {
	s.mu.Lock()
	s.ready = make(map[int64]int64)
	s.sessions = make(map[int64]*models.Session)
	s.history = make(map[int64][]*models.Message)
	s.attachments = make(map[int64][]*models.Attachment)
	s.resources = make(map[int64]*sessionResources)
	s.mu.Unlock()
}

func (s *userState) setResources(sessionID int64, res *sessionResources) {
	if res == nil {
		return
	}
	s.mu.Lock()
	s.resources[sessionID] = res
	s.mu.Unlock()
}

func (s *userState) getResources(sessionID int64) *sessionResources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources[sessionID]
}
