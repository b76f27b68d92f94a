package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"docchat/internal/ai"
	"docchat/internal/config"
	"docchat/internal/models"
	"docchat/internal/prompt"
	"docchat/internal/redis"
)

// Assistant covers the persistence operations the manager needs. The
// assistant service satisfies it; tests substitute fakes.
type Assistant interface {
	CreateSession(ctx context.Context, userID int64, title string) (*models.Session, error)
	GetSessionWithMessages(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error)
	UpdateSessionTitle(ctx context.Context, userID, sessionID int64, title string) error
	SessionAttachments(ctx context.Context, userID, sessionID int64) ([]*models.Attachment, error)
}

// newEngine is swapped out in tests to avoid real provider clients.
var newEngine = ai.NewProviderEngine

// ErrDispatcherBusy is returned when the shared job queue is saturated.
var ErrDispatcherBusy = errors.New("dispatcher queue full")

const systemPrompt = "You are a helpful assistant. The user may attach files to the " +
	"conversation; their extracted content is included in the messages. Answer " +
	"questions about attached content precisely and say so when the content does " +
	"not cover the question."

type SessionRequest struct {
	Context     context.Context
	UserID      int64
	SessionID   int64
	Provider    string
	Model       string
	Token       string
	Message     *models.Message
	Attachments []*models.Attachment
}

type StreamRequest struct {
	SessionRequest
	ChunkFn func(string) error
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type sessionTask struct {
	req      SessionRequest
	resultCh chan workerReturn
}

type streamTask struct {
	req      StreamRequest
	resultCh chan workerReturn
}

// Manager owns per-user session state and funnels generation work through
// the dispatcher so each user's requests run in order.
type Manager struct {
	assistant  Assistant
	cfg        *config.Config
	cache      *stateRedis
	dispatcher *Dispatcher

	mu     sync.Mutex
	states map[int64]*userState
}

func NewManager(asst Assistant, appCfg *config.Config, dispatchCfg DispatcherConfig, cacheClient *redis.Client) *Manager {
	m := &Manager{
		assistant: asst,
		cfg:       appCfg,
		cache:     newStateCache(cacheClient),
		states:    make(map[int64]*userState),
	}
	m.dispatcher = NewDispatcher(
		dispatchCfg.MinWorkers,
		dispatchCfg.MaxWorkers,
		dispatchCfg.QueueSize,
		m,
		dispatchCfg.WorkerIdleTimeout,
	)
	m.cache.startListener(m.applyInvalidation)
	return m
}

// InitSession loads or creates a session and warms the caches for it.
func (m *Manager) InitSession(req SessionRequest) (*models.Session, error) {
	state := m.ensureState(req.UserID)
	if req.SessionID > 0 && state.isReady(req.SessionID) {
		if se := state.getSession(req.SessionID); se != nil {
			return se, nil
		}
	}

	resultCh := make(chan workerReturn, 1)
	if err := m.enqueue(Job{Type: Init, SessionTask: sessionTask{req: req, resultCh: resultCh}}); err != nil {
		return nil, err
	}
	ret := <-resultCh
	return ret.session, ret.err
}

// Stream runs one generation turn, delivering fragments through req.ChunkFn.
func (m *Manager) Stream(req StreamRequest) (*models.Message, string, error) {
	resultCh := make(chan workerReturn, 1)
	if err := m.enqueue(Job{Type: Stream, StreamTask: streamTask{req: req, resultCh: resultCh}}); err != nil {
		return nil, "", err
	}
	ret := <-resultCh
	return ret.aiMessage, ret.title, ret.err
}

func (m *Manager) enqueue(job Job) error {
	select {
	case m.dispatcher.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Purge drops all cached state for a session, locally and across instances.
func (m *Manager) Purge(userID, sessionID int64) {
	if state := m.getState(userID); state != nil {
		state.purgeCache(sessionID)
	}
	m.cache.invalidateSession(sessionID)
	m.cache.invalidateAttachments(sessionID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, SessionID: sessionID, Scope: scopeSession})
}

// InvalidateAttachments drops the cached attachment list for a session after
// an upload so the next turn reloads it.
func (m *Manager) InvalidateAttachments(userID, sessionID int64) {
	if state := m.getState(userID); state != nil {
		state.purgeAttachments(sessionID)
	}
	m.cache.invalidateAttachments(sessionID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, SessionID: sessionID, Scope: scopeAttachments})
}

// ResetUser clears every cached session and queued job for the user.
func (m *Manager) ResetUser(userID int64) {
	m.mu.Lock()
	if state, ok := m.states[userID]; ok {
		state.reset()
		delete(m.states, userID)
	}
	m.mu.Unlock()
	m.dispatcher.CancelUser(userID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, Scope: scopeUser})
}

func (m *Manager) applyInvalidation(inv invalidateMessage) {
	state := m.getState(inv.UserID)
	if state == nil {
		return
	}
	switch inv.Scope {
	case scopeUser:
		state.reset()
	case scopeSession:
		state.purgeCache(inv.SessionID)
	case scopeAttachments:
		state.purgeAttachments(inv.SessionID)
	}
}

func (m *Manager) ensureState(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[userID]; ok {
		return state
	}
	state := newUserState()
	m.states[userID] = state
	return state
}

func (m *Manager) getState(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[userID]
}

func (m *Manager) handleInit(task sessionTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	state := m.ensureState(req.UserID)

	var se *models.Session
	var history []*models.Message
	var err error

	if req.SessionID <= 0 {
		se, err = m.assistant.CreateSession(ctx, req.UserID, "New Conversation")
		if err != nil {
			task.resultCh <- workerReturn{err: err}
			return
		}
		req.SessionID = se.ID
		history = make([]*models.Message, 0)
	} else if cached, cachedHistory, ok := m.cache.loadSession(req.UserID, req.SessionID); ok {
		se, history = cached, cachedHistory
	} else {
		se, history, err = m.assistant.GetSessionWithMessages(ctx, req.UserID, req.SessionID)
		if err != nil {
			task.resultCh <- workerReturn{err: err}
			return
		}
	}

	if _, err := m.ensureResources(ctx, state, req); err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}

	state.setSession(se)
	state.setHistory(se.ID, history)
	state.markReady(se.ID)
	m.cache.cacheSession(se, history)
	task.resultCh <- workerReturn{session: se}
}

func (m *Manager) handleStream(task streamTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	state := m.ensureState(req.UserID)

	res, err := m.ensureResources(ctx, state, req.SessionRequest)
	if err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}

	history, err := m.sessionHistory(ctx, state, req.UserID, req.SessionID)
	if err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}

	var title string
	if len(history) == 0 && req.Message != nil {
		title, err = res.engine.GenerateTitle(ctx, []*models.Message{req.Message})
		if err != nil {
			log.Printf("generate title for session %d failed: %v", req.SessionID, err)
			title = ""
		}
		if title != "" {
			if err := m.assistant.UpdateSessionTitle(ctx, req.UserID, req.SessionID, title); err != nil {
				task.resultCh <- workerReturn{err: err}
				return
			}
			if session := state.getSession(req.SessionID); session != nil {
				session.Title = title
				state.setSession(session)
				m.cache.cacheSession(session, history)
			}
		}
	}

	attachmentIndex := m.attachmentIndex(ctx, state, req.UserID, req.SessionID, req.Attachments)

	messages := prompt.Assemble(prompt.Input{
		SystemPrompt:   systemPrompt,
		History:        history,
		Current:        req.Message,
		Attachments:    req.Attachments,
		AttachmentByID: attachmentIndex,
		Window:         m.cfg.Generation.HistoryWindow,
		TokenBudget:    m.cfg.Generation.TokenBudget,
	})

	var userText string
	if req.Message != nil {
		userText = req.Message.Content
	}
	full, _, err := res.engine.GenerateStream(ctx, messages, fallbackContext(req.Attachments), userText, req.ChunkFn)
	if err != nil {
		// the consumer went away mid-stream; nothing to persist
		task.resultCh <- workerReturn{err: err}
		return
	}

	aiMsg := &models.Message{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Role:      models.RoleAssistant,
		Content:   full,
	}
	if req.Message != nil {
		state.appendHistory(req.SessionID, req.Message)
	}
	state.appendHistory(req.SessionID, aiMsg)
	m.cache.cacheHistory(req.SessionID, state.getHistory(req.SessionID))
	task.resultCh <- workerReturn{aiMessage: aiMsg, title: title}
}

// sessionHistory returns the cached history, loading it from redis or the
// database on a cold cache.
func (m *Manager) sessionHistory(ctx context.Context, state *userState, userID, sessionID int64) ([]*models.Message, error) {
	if state.isReady(sessionID) {
		return state.getHistory(sessionID), nil
	}
	if se, history, ok := m.cache.loadSession(userID, sessionID); ok {
		state.setSession(se)
		state.setHistory(sessionID, history)
		state.markReady(sessionID)
		return history, nil
	}
	se, history, err := m.assistant.GetSessionWithMessages(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	state.setSession(se)
	state.setHistory(sessionID, history)
	state.markReady(sessionID)
	m.cache.cacheSession(se, history)
	return history, nil
}

// attachmentIndex resolves every attachment id that may appear on a history
// turn. Current-turn attachments are merged in so the index is complete even
// when the session list cache is stale.
func (m *Manager) attachmentIndex(ctx context.Context, state *userState, userID, sessionID int64, current []*models.Attachment) map[int64]*models.Attachment {
	attachments, ok := state.getAttachments(sessionID)
	if !ok {
		if cached, hit := m.cache.loadAttachments(userID, sessionID); hit {
			attachments = cached
		} else {
			loaded, err := m.assistant.SessionAttachments(ctx, userID, sessionID)
			if err != nil {
				log.Printf("load attachments for session %d failed: %v", sessionID, err)
			} else {
				attachments = loaded
				m.cache.cacheAttachments(sessionID, attachments)
			}
		}
		state.setAttachments(sessionID, attachments)
	}

	index := make(map[int64]*models.Attachment, len(attachments)+len(current))
	for _, a := range attachments {
		if a != nil {
			index[a.ID] = a
		}
	}
	for _, a := range current {
		if a != nil {
			index[a.ID] = a
		}
	}
	return index
}

// fallbackContext summarizes what kind of request this was so a provider
// failure can still produce a relevant canned reply.
func fallbackContext(attachments []*models.Attachment) string {
	for _, a := range attachments {
		if a == nil {
			continue
		}
		switch a.Category {
		case models.CategoryAudio:
			return "transcribe"
		case models.CategoryDocument, models.CategoryImage:
			return "document"
		}
	}
	return ""
}

// ensureResources rebuilds the generation engine when the provider, model or
// token changed since the last turn.
func (m *Manager) ensureResources(ctx context.Context, state *userState, req SessionRequest) (*sessionResources, error) {
	if state == nil {
		return nil, errors.New("worker state missing")
	}
	if req.SessionID <= 0 {
		return nil, errors.New("session id required")
	}
	res := state.getResources(req.SessionID)
	if res != nil && res.provider == req.Provider && res.model == req.Model && res.token == req.Token {
		return res, nil
	}
	engine, err := newEngine(ctx, m.cfg, req.Provider, req.Model, req.Token)
	if err != nil {
		return nil, err
	}
	res = &sessionResources{
		engine:   engine,
		provider: req.Provider,
		model:    req.Model,
		token:    req.Token,
	}
	state.setResources(req.SessionID, res)
	return res, nil
}
