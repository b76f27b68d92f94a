package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"docchat/internal/ai"
	"docchat/internal/config"
	"docchat/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Generation: config.GenerationConfig{
			HistoryWindow: 15,
			TokenBudget:   8000,
		},
	}
}

func newTestManager(asst Assistant, cfg DispatcherConfig) *Manager {
	return NewManager(asst, testConfig(), cfg, nil)
}

func TestWorkerStateCacheOperations(t *testing.T) {
	state := newUserState()

	session := &models.Session{ID: 1, Title: "pending"}
	state.setSession(session)
	if got := state.getSession(1); got == nil || got.Title != "pending" {
		t.Fatalf("getSession mismatch: %#v", got)
	}

	state.setHistory(1, []*models.Message{{ID: 10}})
	state.appendHistory(1, &models.Message{ID: 11})
	if hist := state.getHistory(1); len(hist) != 2 || hist[1].ID != 11 {
		t.Fatalf("history not updated: %#v", hist)
	}

	state.setResources(1, &sessionResources{provider: "p", model: "m"})
	if res := state.getResources(1); res == nil || res.provider != "p" {
		t.Fatalf("resources not stored: %#v", res)
	}

	state.setAttachments(1, []*models.Attachment{{ID: 7}})
	if atts, ok := state.getAttachments(1); !ok || len(atts) != 1 || atts[0].ID != 7 {
		t.Fatalf("attachments not stored: %#v", atts)
	}
	state.purgeAttachments(1)
	if _, ok := state.getAttachments(1); ok {
		t.Fatalf("attachments not purged")
	}

	state.markReady(1)
	if !state.isReady(1) {
		t.Fatalf("session should be ready")
	}

	state.purgeCache(1)
	if state.getSession(1) != nil || state.getResources(1) != nil || state.isReady(1) {
		t.Fatalf("purgeCache failed to clear entries")
	}

	state.setSession(&models.Session{ID: 2})
	state.setHistory(2, []*models.Message{{ID: 20}})
	state.reset()
	if len(state.sessions) != 0 || len(state.history) != 0 {
		t.Fatalf("reset did not clear caches")
	}
}

func TestManagerPurgeAndReset(t *testing.T) {
	manager := newTestManager(newMockAssistant(), DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10})
	state := manager.ensureState(42)

	state.setSession(&models.Session{ID: 99, Title: "cached"})
	state.setHistory(99, []*models.Message{{ID: 1}})
	state.setResources(99, &sessionResources{provider: "p", model: "m", token: "t"})
	state.setAttachments(99, []*models.Attachment{{ID: 3}})
	state.markReady(99)

	manager.Purge(42, 99)
	if state.getSession(99) != nil || state.getResources(99) != nil || state.isReady(99) {
		t.Fatalf("purge did not clear cached session")
	}
	if _, ok := state.getAttachments(99); ok {
		t.Fatalf("purge did not clear attachments")
	}

	manager.ResetUser(42)
	manager.mu.Lock()
	if _, ok := manager.states[42]; ok {
		t.Fatalf("user state not removed after reset")
	}
	manager.mu.Unlock()

	// Purge after ResetUser must be a no-op.
	manager.Purge(42, 99)
}

func TestManagerInvalidateAttachments(t *testing.T) {
	manager := newTestManager(newMockAssistant(), DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	state := manager.ensureState(5)
	state.setSession(&models.Session{ID: 8})
	state.setHistory(8, []*models.Message{{ID: 1}})
	state.setAttachments(8, []*models.Attachment{{ID: 2}})
	state.markReady(8)

	manager.InvalidateAttachments(5, 8)
	if _, ok := state.getAttachments(8); ok {
		t.Fatalf("attachment cache not invalidated")
	}
	// Session and history caches survive an attachment invalidation.
	if state.getSession(8) == nil || !state.isReady(8) {
		t.Fatalf("session cache should survive attachment invalidation")
	}
}

func TestDispatcherInitAndStream(t *testing.T) {
	mockAsst := newMockAssistant()
	manager := newTestManager(mockAsst, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10})
	restore := stubEngines(func(provider string) ai.ChatModel { return &echoModel{} })
	defer restore()

	session, err := manager.InitSession(SessionRequest{
		UserID:   1,
		Provider: "mock",
		Model:    "m1",
		Token:    "tok",
	})
	if err != nil {
		t.Fatalf("InitSession error: %v", err)
	}
	if session == nil || session.ID == 0 {
		t.Fatalf("expected session to be created")
	}

	var chunks []string
	msg, title, err := manager.Stream(StreamRequest{
		SessionRequest: SessionRequest{
			Context:   context.Background(),
			UserID:    1,
			SessionID: session.ID,
			Provider:  "mock",
			Model:     "m1",
			Token:     "tok",
			Message:   &models.Message{Role: models.RoleUser, Content: "hello"},
		},
		ChunkFn: func(s string) error {
			chunks = append(chunks, s)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if msg == nil || msg.Content != "ai: hello" {
		t.Fatalf("unexpected stream response: %#v", msg)
	}
	if strings.Join(chunks, "") != "ai: hello" {
		t.Fatalf("chunks do not reassemble the reply: %v", chunks)
	}
	if title != "fake-title" {
		t.Fatalf("unexpected title: %s", title)
	}
	mockAsst.mu.Lock()
	stored := mockAsst.sessions[session.ID].Title
	mockAsst.mu.Unlock()
	if stored != "fake-title" {
		t.Fatalf("title not persisted: %s", stored)
	}
}

func TestStreamFallbackOnProviderFailure(t *testing.T) {
	mockAsst := newMockAssistant()
	manager := newTestManager(mockAsst, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	restore := stubEngines(func(provider string) ai.ChatModel {
		return &failingModel{err: errors.New("upstream 503")}
	})
	defer restore()

	session, err := manager.InitSession(SessionRequest{UserID: 7, Provider: "mock", Model: "m", Token: "tok"})
	if err != nil {
		t.Fatalf("InitSession error: %v", err)
	}

	var chunks []string
	msg, _, err := manager.Stream(StreamRequest{
		SessionRequest: SessionRequest{
			Context:   context.Background(),
			UserID:    7,
			SessionID: session.ID,
			Provider:  "mock",
			Model:     "m",
			Token:     "tok",
			Message:   &models.Message{Role: models.RoleUser, Content: "summarize this"},
		},
		ChunkFn: func(s string) error {
			chunks = append(chunks, s)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("provider failure must not surface as error: %v", err)
	}
	if msg == nil || msg.Content == "" {
		t.Fatalf("expected fallback reply, got %#v", msg)
	}
	if len(chunks) == 0 || strings.Join(chunks, "") != msg.Content {
		t.Fatalf("fallback not delivered through chunk callback: %v", chunks)
	}
}

func TestStreamConsumerGoneSkipsPersist(t *testing.T) {
	mockAsst := newMockAssistant()
	manager := newTestManager(mockAsst, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	restore := stubEngines(func(provider string) ai.ChatModel { return &echoModel{} })
	defer restore()

	session, err := manager.InitSession(SessionRequest{UserID: 8, Provider: "mock", Model: "m", Token: "tok"})
	if err != nil {
		t.Fatalf("InitSession error: %v", err)
	}

	msg, _, err := manager.Stream(StreamRequest{
		SessionRequest: SessionRequest{
			Context:   context.Background(),
			UserID:    8,
			SessionID: session.ID,
			Provider:  "mock",
			Model:     "m",
			Token:     "tok",
			Message:   &models.Message{Role: models.RoleUser, Content: "hello"},
		},
		ChunkFn: func(string) error { return errors.New("client disconnected") },
	})
	if err == nil {
		t.Fatalf("expected error when consumer stops pulling")
	}
	if msg != nil {
		t.Fatalf("no message should be returned after consumer loss: %#v", msg)
	}
	state := manager.getState(8)
	if hist := state.getHistory(session.ID); len(hist) != 0 {
		t.Fatalf("history must not record an aborted turn: %#v", hist)
	}
}

func TestDispatcherJobOrder(t *testing.T) {
	mockAsst := newMockAssistant()
	manager := newTestManager(mockAsst, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10})

	var mu sync.Mutex
	order := make([]string, 0, 2)
	restore := stubEngines(func(provider string) ai.ChatModel {
		return &echoModel{onStream: func(userText string) {
			mu.Lock()
			order = append(order, userText)
			mu.Unlock()
		}}
	})
	defer restore()

	session, err := manager.InitSession(SessionRequest{UserID: 11, Provider: "mock", Model: "m", Token: "tok"})
	if err != nil {
		t.Fatalf("InitSession error: %v", err)
	}

	for _, content := range []string{"first", "second"} {
		if _, _, err := manager.Stream(StreamRequest{
			SessionRequest: SessionRequest{
				Context:   context.Background(),
				UserID:    11,
				SessionID: session.ID,
				Provider:  "mock",
				Model:     "m",
				Token:     "tok",
				Message:   &models.Message{Role: models.RoleUser, Content: content},
			},
		}); err != nil {
			t.Fatalf("Stream (%s) error: %v", content, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected execution order [first second], got %v", order)
	}
}

func TestDispatcherQueuesWhenWorkerBusy(t *testing.T) {
	mockAsst := newMockAssistant()
	manager := newTestManager(mockAsst, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10})

	block := make(chan struct{})
	started := make(chan struct{})
	blocking := &blockingModel{block: block, started: started}
	restore := stubEngines(func(provider string) ai.ChatModel { return blocking })
	defer restore()

	session, err := manager.InitSession(SessionRequest{UserID: 21, Provider: "mock", Model: "m", Token: "tok"})
	if err != nil {
		t.Fatalf("InitSession error: %v", err)
	}

	done1 := make(chan struct{})
	done2 := make(chan struct{})

	stream := func(content string, done chan struct{}) {
		_, _, _ = manager.Stream(StreamRequest{
			SessionRequest: SessionRequest{
				Context:   context.Background(),
				UserID:    21,
				SessionID: session.ID,
				Provider:  "mock",
				Model:     "m",
				Token:     "tok",
				Message:   &models.Message{Role: models.RoleUser, Content: content},
			},
		})
		close(done)
	}
	go stream("first", done1)
	go stream("second", done2)

	select {
	case <-started:
		close(block)
	case <-time.After(time.Second):
		t.Fatalf("first job did not start")
	}
	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatalf("first job did not complete after unblocking")
	}
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatalf("second job did not complete after first")
	}
}

func TestManagerHighLoadAllowsOtherUsers(t *testing.T) {
	mockAsst := newMockAssistant()
	manager := newTestManager(mockAsst, DispatcherConfig{MinWorkers: 1, MaxWorkers: 3, QueueSize: 10})

	block := make(chan struct{})
	started := make(chan struct{})
	blocking := &blockingModel{block: block, started: started}
	restore := stubEngines(func(provider string) ai.ChatModel {
		if provider == "slow" {
			return blocking
		}
		return &echoModel{}
	})
	defer restore()

	slowSession, err := manager.InitSession(SessionRequest{UserID: 1, Provider: "slow", Model: "m", Token: "tok"})
	if err != nil {
		t.Fatalf("slow session init: %v", err)
	}
	fastSession, err := manager.InitSession(SessionRequest{UserID: 2, Provider: "fast", Model: "m", Token: "tok"})
	if err != nil {
		t.Fatalf("fast session init: %v", err)
	}

	slowDone := make(chan error, 1)
	go func() {
		_, _, err := manager.Stream(StreamRequest{
			SessionRequest: SessionRequest{
				UserID:    1,
				SessionID: slowSession.ID,
				Provider:  "slow",
				Model:     "m",
				Token:     "tok",
				Message:   &models.Message{UserID: 1, SessionID: slowSession.ID, Role: models.RoleUser, Content: "slow"},
			},
		})
		slowDone <- err
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("slow task did not start")
	}

	fastErr := make(chan error, 1)
	go func() {
		_, _, err := manager.Stream(StreamRequest{
			SessionRequest: SessionRequest{
				UserID:    2,
				SessionID: fastSession.ID,
				Provider:  "fast",
				Model:     "m",
				Token:     "tok",
				Message:   &models.Message{UserID: 2, SessionID: fastSession.ID, Role: models.RoleUser, Content: "fast"},
			},
		})
		fastErr <- err
	}()

	select {
	case err := <-fastErr:
		if err != nil {
			t.Fatalf("fast stream error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fast stream blocked but should complete")
	}

	close(block)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow stream error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 3; i <= 15; i++ {
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			session, err := manager.InitSession(SessionRequest{UserID: int64(uid), Provider: "fast", Model: "m", Token: "tok"})
			if err != nil {
				t.Errorf("init session user %d: %v", uid, err)
				return
			}
			if _, _, err := manager.Stream(StreamRequest{
				SessionRequest: SessionRequest{
					UserID:    int64(uid),
					SessionID: session.ID,
					Provider:  "fast",
					Model:     "m",
					Token:     "tok",
					Message:   &models.Message{UserID: int64(uid), SessionID: session.ID, Role: models.RoleUser, Content: "multi"},
				},
			}); err != nil {
				t.Errorf("stream user %d: %v", uid, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestFallbackContextFromAttachments(t *testing.T) {
	if got := fallbackContext(nil); got != "" {
		t.Fatalf("no attachments should give empty context, got %q", got)
	}
	audio := []*models.Attachment{{Category: models.CategoryAudio}}
	if got := fallbackContext(audio); got != "transcribe" {
		t.Fatalf("audio context = %q", got)
	}
	doc := []*models.Attachment{{Category: models.CategoryDocument}}
	if got := fallbackContext(doc); got != "document" {
		t.Fatalf("document context = %q", got)
	}
	img := []*models.Attachment{{Category: models.CategoryUnsupported}, {Category: models.CategoryImage}}
	if got := fallbackContext(img); got != "document" {
		t.Fatalf("image context = %q", got)
	}
}

func TestAttachmentIndexMergesCurrentTurn(t *testing.T) {
	mockAsst := newMockAssistant()
	mockAsst.attachments[50] = []*models.Attachment{
		{ID: 1, UserID: 9, SessionID: 50, FileName: "old.txt"},
	}
	manager := newTestManager(mockAsst, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	state := manager.ensureState(9)

	current := []*models.Attachment{{ID: 2, UserID: 9, SessionID: 50, FileName: "new.txt"}}
	index := manager.attachmentIndex(context.Background(), state, 9, 50, current)
	if len(index) != 2 {
		t.Fatalf("expected both attachments indexed, got %#v", index)
	}
	if index[1] == nil || index[1].FileName != "old.txt" {
		t.Fatalf("stored attachment missing from index")
	}
	if index[2] == nil || index[2].FileName != "new.txt" {
		t.Fatalf("current-turn attachment missing from index")
	}

	// Second call serves from the per-user cache without another DB hit.
	mockAsst.mu.Lock()
	mockAsst.attachmentCalls = 0
	mockAsst.mu.Unlock()
	manager.attachmentIndex(context.Background(), state, 9, 50, nil)
	mockAsst.mu.Lock()
	calls := mockAsst.attachmentCalls
	mockAsst.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected cached attachment list, saw %d loads", calls)
	}
}

// --- helpers ---

// stubEngines replaces the provider engine factory with one that builds
// engines around the supplied chat model and returns a restore func.
func stubEngines(pick func(provider string) ai.ChatModel) func() {
	orig := newEngine
	newEngine = func(ctx context.Context, cfg *config.Config, provider, modelName, token string) (*ai.Engine, error) {
		return ai.NewEngine(pick(provider), ai.Params{})
	}
	return func() { newEngine = orig }
}

type mockAssistant struct {
	mu              sync.Mutex
	nextID          int64
	sessions        map[int64]*models.Session
	attachments     map[int64][]*models.Attachment
	attachmentCalls int
}

func newMockAssistant() *mockAssistant {
	return &mockAssistant{
		sessions:    make(map[int64]*models.Session),
		attachments: make(map[int64][]*models.Attachment),
	}
}

func (m *mockAssistant) CreateSession(ctx context.Context, userID int64, title string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	session := &models.Session{ID: m.nextID, Title: title, UserID: userID}
	m.sessions[session.ID] = session
	return session, nil
}

func (m *mockAssistant) GetSessionWithMessages(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID], nil, nil
}

func (m *mockAssistant) UpdateSessionTitle(ctx context.Context, userID, sessionID int64, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[sessionID]; ok {
		session.Title = title
	}
	return nil
}

func (m *mockAssistant) SessionAttachments(ctx context.Context, userID, sessionID int64) ([]*models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachmentCalls++
	return m.attachments[sessionID], nil
}

// lastUserText pulls the current user turn out of an assembled request.
func lastUserText(input []*schema.Message) string {
	if len(input) == 0 {
		return ""
	}
	return input[len(input)-1].Content
}

// echoModel streams "ai: " + the current user text in two fragments and
// answers title requests with a fixed string.
type echoModel struct {
	onStream func(userText string)
}

func (m *echoModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return &schema.Message{Role: schema.Assistant, Content: "fake-title"}, nil
}

func (m *echoModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	text := lastUserText(input)
	if m.onStream != nil {
		m.onStream(text)
	}
	return schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, Content: "ai: "},
		{Role: schema.Assistant, Content: text},
	}), nil
}

// failingModel refuses every call, standing in for a broken provider.
type failingModel struct {
	err error
}

func (m *failingModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, m.err
}

func (m *failingModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, m.err
}

// blockingModel parks Stream calls until block closes. started closes once.
type blockingModel struct {
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (m *blockingModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return &schema.Message{Role: schema.Assistant, Content: "fake-title"}, nil
}

func (m *blockingModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.once.Do(func() {
		if m.started != nil {
			close(m.started)
		}
	})
	<-m.block
	return schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, Content: "ai: " + lastUserText(input)},
	}), nil
}
