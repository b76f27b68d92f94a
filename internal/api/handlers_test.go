package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"docchat/internal/auth"
	"docchat/internal/config"
	"docchat/internal/extract"
	"docchat/internal/lifecycle"
	"docchat/internal/models"
	"docchat/internal/service/assistant"
	"docchat/internal/storage"
	"docchat/internal/worker"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.db.Close()
	router := srv.router

	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"
	provider := "openai"

	// Register a user.
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	if regBody.ID == 0 {
		t.Fatalf("expected user id in register response")
	}

	// Login to fetch auth token.
	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token from login")
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}

	// Store provider token.
	tokenResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/token", regBody.ID),
		map[string]string{"provider": provider, "token": "mock"},
		authHeader)
	assertStatus(t, tokenResp, http.StatusNoContent)

	// Start a new conversation (session_id == 0).
	startResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/start", regBody.ID),
		map[string]any{"provider": provider, "session_id": 0, "model_type": "gpt-5-nano"},
		authHeader)
	assertStatus(t, startResp, http.StatusAccepted)
	var startBody struct {
		SessionID int64 `json:"sessionId"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &startBody)
	if startBody.SessionID <= 0 {
		t.Fatalf("expected positive session id")
	}

	firstMessage := "Hello, remember my name is Bob."
	sendResp := postSSE(t, router,
		fmt.Sprintf("/api/users/%d/conversation/msg", regBody.ID),
		map[string]any{
			"session_id": startBody.SessionID,
			"content":    firstMessage,
			"provider":   provider,
			"model_type": "gpt-5-nano",
		},
		authHeader,
	)
	assertStatus(t, sendResp, http.StatusOK)
	frames := parseSSE(t, sendResp.Body.String())
	if len(frames) < 3 {
		t.Fatalf("expected at least start/chunk/end frames, got %d", len(frames))
	}
	if frames[0].Type != "start" {
		t.Fatalf("expected first frame to be start, got %s", frames[0].Type)
	}
	var startPayload struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	decodeJSON(t, frames[0].Raw, &startPayload)
	if startPayload.Message.Content != firstMessage {
		t.Fatalf("start payload mismatch, want %q got %q", firstMessage, startPayload.Message.Content)
	}
	for _, frame := range frames[1 : len(frames)-1] {
		if frame.Type != "chunk" {
			t.Fatalf("expected chunk frame, got %s", frame.Type)
		}
	}
	last := frames[len(frames)-1]
	if last.Type != "end" {
		t.Fatalf("expected end frame, got %s", last.Type)
	}
	var endPayload struct {
		Title string `json:"title"`
		AI    struct {
			Content string `json:"content"`
		} `json:"ai_message"`
	}
	decodeJSON(t, last.Raw, &endPayload)
	if endPayload.Title == "" || endPayload.AI.Content == "" {
		t.Fatalf("end payload missing title or ai content")
	}

	msgCount := countMessages(t, srv.db, startBody.SessionID)
	if msgCount != 2 {
		t.Fatalf("expected 2 messages, got %d", msgCount)
	}

	// Logout revokes the token but keeps session history.
	logoutResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/logout", regBody.ID), nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)

	// Login again for a new token.
	loginResp2 := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp2, http.StatusOK)
	var loginBody2 struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp2.Body.Bytes(), &loginBody2)
	authHeader = map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody2.AuthToken)}

	// Reopen the existing session and continue.
	reopenResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/start", regBody.ID),
		map[string]any{"provider": provider, "session_id": startBody.SessionID, "model_type": "gpt-5-mini"},
		authHeader)
	assertStatus(t, reopenResp, http.StatusAccepted)

	sendResp2 := postSSE(t, router,
		fmt.Sprintf("/api/users/%d/conversation/msg", regBody.ID),
		map[string]any{
			"session_id": startBody.SessionID,
			"content":    "What was my name?",
			"provider":   provider,
			"model_type": "gpt-5-mini",
		},
		authHeader,
	)
	assertStatus(t, sendResp2, http.StatusOK)
	frames = parseSSE(t, sendResp2.Body.String())
	if len(frames) < 3 || frames[0].Type != "start" || frames[len(frames)-1].Type != "end" {
		t.Fatalf("unexpected SSE sequence for second message: %#v", frames)
	}

	msgCount = countMessages(t, srv.db, startBody.SessionID)
	if msgCount != 4 {
		t.Fatalf("expected 4 messages after second exchange, got %d", msgCount)
	}

	// Finally, delete the account.
	delResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/users/%d", regBody.ID), nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)

	failLogin := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	if failLogin.Code == http.StatusOK {
		t.Fatalf("expected login to fail after user deletion")
	}
}

func TestStartConversationValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.db.Close()

	userID, authHeader := registerAndLogin(t, srv.router)
	resp := doJSONRequest(t, srv.router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/start", userID),
		map[string]any{"provider": "", "session_id": 0, "model_type": "gpt-5-nano"},
		authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestStartConversationDuplicateRequests(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.db.Close()
	router := srv.router

	userID, authHeader := registerAndLogin(t, router)
	setTokenResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/token", userID),
		map[string]string{"provider": "openai", "token": "mock"},
		authHeader)
	assertStatus(t, setTokenResp, http.StatusNoContent)

	newSession := func(sessionID int64) int64 {
		resp := doJSONRequest(t, router, http.MethodPost,
			fmt.Sprintf("/api/users/%d/conversation/start", userID),
			map[string]any{"provider": "openai", "session_id": sessionID, "model_type": "gpt-5-nano"},
			authHeader)
		assertStatus(t, resp, http.StatusAccepted)
		var body struct {
			SessionID int64 `json:"sessionId"`
		}
		decodeJSON(t, resp.Body.Bytes(), &body)
		if body.SessionID <= 0 {
			t.Fatalf("expected positive session id, got %d", body.SessionID)
		}
		return body.SessionID
	}

	firstID := newSession(0)
	secondID := newSession(0)
	if firstID == secondID {
		t.Fatalf("expected distinct sessions when starting twice with session_id=0")
	}

	thirdID := newSession(firstID)
	if thirdID != firstID {
		t.Fatalf("expected reopening existing session to return same id, got %d vs %d", thirdID, firstID)
	}
}

func TestCaptureInputValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.db.Close()
	router := srv.router

	userID, authHeader := registerAndLogin(t, router)
	setTokenResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/token", userID),
		map[string]string{"provider": "openai", "token": "mock"},
		authHeader)
	assertStatus(t, setTokenResp, http.StatusNoContent)

	startResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/start", userID),
		map[string]any{"provider": "openai", "session_id": 0, "model_type": "gpt"},
		authHeader)
	assertStatus(t, startResp, http.StatusAccepted)
	var body struct {
		SessionID int64 `json:"sessionId"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &body)

	// Missing session id.
	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"session_id": 0, "content": "hi", "provider": "openai", "model_type": "gpt"},
		authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	// Empty content with no attachments.
	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"session_id": body.SessionID, "content": "   ", "provider": "openai", "model_type": "gpt"},
		authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	// Attachment ids that do not exist.
	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"session_id": body.SessionID, "content": "hi", "provider": "openai", "model_type": "gpt", "attachment_ids": []int64{999}},
		authHeader)
	if resp.Code != http.StatusBadRequest && resp.Code != http.StatusNotFound {
		t.Fatalf("expected rejection for unknown attachment id, got %d", resp.Code)
	}
}

func TestStartConversationRequiresToken(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.db.Close()

	userID, authHeader := registerAndLogin(t, srv.router)
	resp := doJSONRequest(t, srv.router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/start", userID),
		map[string]any{"provider": "openai", "session_id": 0, "model_type": "gpt"},
		authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
	if !strings.Contains(resp.Body.String(), "api token not configured") {
		t.Fatalf("expected error about missing token, got %s", resp.Body.String())
	}
}

func TestCaptureInputSSEError(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.db.Close()
	router := srv.router
	userID, authHeader := registerAndLogin(t, router)

	setTokenResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/token", userID),
		map[string]string{"provider": "openai", "token": "mock"},
		authHeader)
	assertStatus(t, setTokenResp, http.StatusNoContent)

	startResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/start", userID),
		map[string]any{"provider": "openai", "session_id": 0, "model_type": "gpt"},
		authHeader)
	assertStatus(t, startResp, http.StatusAccepted)
	var body struct {
		SessionID int64 `json:"sessionId"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &body)

	srv.worker.streamErr = fmt.Errorf("mock failure")

	resp := postSSE(t, router,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{
			"session_id": body.SessionID,
			"content":    "hello",
			"provider":   "openai",
			"model_type": "gpt",
		},
		authHeader,
	)
	assertStatus(t, resp, http.StatusOK)
	frames := parseSSE(t, resp.Body.String())
	if len(frames) != 2 {
		t.Fatalf("expected start and error frames, got %d: %#v", len(frames), frames)
	}
	if frames[0].Type != "start" || frames[1].Type != "error" {
		t.Fatalf("unexpected SSE sequence: %#v", frames)
	}
	if !strings.Contains(string(frames[1].Raw), "mock failure") {
		t.Fatalf("missing error payload: %s", frames[1].Raw)
	}
}

func TestFileUploadExtractsAndAttaches(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.db.Close()
	router := srv.router

	userID, authHeader := registerAndLogin(t, router)
	setTokenResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/token", userID),
		map[string]string{"provider": "openai", "token": "mock"},
		authHeader)
	assertStatus(t, setTokenResp, http.StatusNoContent)

	session, err := srv.assistant.CreateSession(context.Background(), userID, "upload test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	uploadResp := doFileUpload(t, router,
		fmt.Sprintf("/api/users/%d/uploads", userID),
		session.ID, "notes.txt", []byte("hello attachment, the launch date is 2026-03-01"),
		authHeader)
	assertStatus(t, uploadResp, http.StatusCreated)
	var uploadBody struct {
		AttachmentID int64  `json:"attachment_id"`
		Category     string `json:"category"`
		Status       string `json:"status"`
		FileName     string `json:"file_name"`
	}
	decodeJSON(t, uploadResp.Body.Bytes(), &uploadBody)
	if uploadBody.AttachmentID <= 0 {
		t.Fatalf("expected attachment id, got %+v", uploadBody)
	}
	if uploadBody.Category != "document" || uploadBody.Status != "ok" {
		t.Fatalf("unexpected extraction outcome: %+v", uploadBody)
	}

	// Extraction result is persisted at upload time.
	var stored sql.NullString
	if err := srv.db.QueryRow(`SELECT extracted_content FROM attachments WHERE id = ?`,
		uploadBody.AttachmentID).Scan(&stored); err != nil {
		t.Fatalf("read extracted content: %v", err)
	}
	if !stored.Valid || !strings.Contains(stored.String, "launch date") {
		t.Fatalf("extracted content not stored: %+v", stored)
	}
	if !srv.worker.invalidated(userID, session.ID) {
		t.Fatalf("upload must invalidate the attachment cache")
	}

	// The attachment rides along on the next message.
	sendResp := postSSE(t, router,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{
			"session_id":     session.ID,
			"content":        "when is the launch?",
			"provider":       "openai",
			"model_type":     "gpt",
			"attachment_ids": []int64{uploadBody.AttachmentID},
		},
		authHeader,
	)
	assertStatus(t, sendResp, http.StatusOK)
	frames := parseSSE(t, sendResp.Body.String())
	if len(frames) < 3 || frames[len(frames)-1].Type != "end" {
		t.Fatalf("unexpected SSE sequence: %#v", frames)
	}
	got := srv.worker.lastAttachments()
	if len(got) != 1 || got[0].ID != uploadBody.AttachmentID {
		t.Fatalf("attachment not delivered to generation: %#v", got)
	}

	var storedIDs sql.NullString
	if err := srv.db.QueryRow(
		`SELECT attachment_ids FROM messages WHERE session_id = ? AND role = 'user' ORDER BY id DESC LIMIT 1`,
		session.ID).Scan(&storedIDs); err != nil {
		t.Fatalf("read message attachment ids: %v", err)
	}
	if !storedIDs.Valid || !strings.Contains(storedIDs.String, fmt.Sprintf("%d", uploadBody.AttachmentID)) {
		t.Fatalf("user message lost its attachment ids: %+v", storedIDs)
	}
}

func TestFileUploadRejectsOversize(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Extraction.MaxUploadBytes = 64
	})
	defer srv.db.Close()

	userID, authHeader := registerAndLogin(t, srv.router)
	session, err := srv.assistant.CreateSession(context.Background(), userID, "upload test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	big := bytes.Repeat([]byte("x"), 256)
	resp := doFileUpload(t, srv.router,
		fmt.Sprintf("/api/users/%d/uploads", userID),
		session.ID, "big.txt", big, authHeader)
	assertStatus(t, resp, http.StatusRequestEntityTooLarge)
}

func TestFileUploadCSVGetsTabularSummary(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.db.Close()

	userID, authHeader := registerAndLogin(t, srv.router)
	session, err := srv.assistant.CreateSession(context.Background(), userID, "csv upload")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// CSV bytes sniff as text/plain; the declared type must still route the
	// file through the tabular extractor.
	csv := []byte("name,score\nalice,10\nbob,30\n")
	resp := doTypedFileUpload(t, srv.router,
		fmt.Sprintf("/api/users/%d/uploads", userID),
		session.ID, "scores.csv", "text/csv", csv, authHeader)
	assertStatus(t, resp, http.StatusCreated)

	var body struct {
		AttachmentID int64  `json:"attachment_id"`
		Category     string `json:"category"`
		Status       string `json:"status"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Category != "document" || body.Status != "ok" {
		t.Fatalf("unexpected extraction outcome: %+v", body)
	}

	var stored sql.NullString
	if err := srv.db.QueryRow(`SELECT extracted_content FROM attachments WHERE id = ?`,
		body.AttachmentID).Scan(&stored); err != nil {
		t.Fatalf("read extracted content: %v", err)
	}
	if !stored.Valid {
		t.Fatal("extracted content not stored")
	}
	for _, want := range []string{"columns: name, score", "score(numeric)", "mean=20"} {
		if !strings.Contains(stored.String, want) {
			t.Fatalf("tabular summary missing %q in:\n%s", want, stored.String)
		}
	}
	if strings.Contains(stored.String, "alice,10") {
		t.Fatalf("raw CSV stored instead of summary:\n%s", stored.String)
	}
}

// --- helpers ---

type sseFrame struct {
	Type string `json:"type"`
	Raw  []byte `json:"-"`
}

// parseSSE splits a data-only SSE body into its decoded frames.
func parseSSE(t *testing.T, payload string) []sseFrame {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	var frames []sseFrame
	for _, chunk := range strings.Split(payload, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		var data string
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(line, "data:") {
				part := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data == "" {
					data = part
				} else {
					data += "\n" + part
				}
			}
		}
		if data == "" {
			continue
		}
		frame := sseFrame{Raw: []byte(data)}
		if err := json.Unmarshal(frame.Raw, &frame); err != nil {
			t.Fatalf("decode SSE frame %q: %v", data, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

type testServer struct {
	router    *gin.Engine
	db        *sql.DB
	assistant *assistant.Service
	handler   *Handler
	worker    *mockWorker
}

func newTestServer(t *testing.T, tweak func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		BasicConfig: config.BasicConfig{
			FileBaseDir: t.TempDir(),
			MinWorkers:  1,
			MaxWorkers:  2,
			QueueSize:   8,
		},
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	if tweak != nil {
		tweak(cfg)
	}

	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	asst := assistant.NewService(db)
	authSvc := auth.NewService(db, nil, time.Hour)
	extractor := extract.NewDispatcher(extract.Limits{}, nil, "")
	files := lifecycle.NewManager(cfg.BasicConfig.FileBaseDir, 0, 0, asst.AttachmentPruner())

	workerCfg := worker.DispatcherConfig{MinWorkers: cfg.BasicConfig.MinWorkers, MaxWorkers: cfg.BasicConfig.MaxWorkers, QueueSize: cfg.BasicConfig.QueueSize}
	handler := NewHandler(asst, authSvc, cfg, workerCfg, extractor, files, nil)
	mock := newMockWorker(asst)
	handler.workers = mock

	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, db: db, assistant: asst, handler: handler, worker: mock}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doFileUpload(t *testing.T, router *gin.Engine, path string, sessionID int64, fileName string, content []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("session_id", fmt.Sprintf("%d", sessionID)); err != nil {
		t.Fatalf("write session field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write file content: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// doTypedFileUpload is doFileUpload with an explicit Content-Type on the
// file part, the way browsers declare uploads.
func doTypedFileUpload(t *testing.T, router *gin.Engine, path string, sessionID int64, fileName, mimeType string, content []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("session_id", fmt.Sprintf("%d", sessionID)); err != nil {
		t.Fatalf("write session field: %v", err)
	}
	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	partHeader.Set("Content-Type", mimeType)
	fw, err := mw.CreatePart(partHeader)
	if err != nil {
		t.Fatalf("create form part: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write file content: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, path, body, headers)
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, sessionID int64) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
	return regBody.ID, authHeader
}

type mockWorker struct {
	assistant *assistant.Service
	streamErr error

	mu            sync.Mutex
	attachments   []*models.Attachment
	invalidations map[string]bool
}

func newMockWorker(asst *assistant.Service) *mockWorker {
	return &mockWorker{
		assistant:     asst,
		invalidations: make(map[string]bool),
	}
}

func (m *mockWorker) InitSession(req worker.SessionRequest) (*models.Session, error) {
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if req.SessionID <= 0 {
		return m.assistant.CreateSession(ctx, req.UserID, "Mock Session")
	}
	session, _, err := m.assistant.GetSessionWithMessages(ctx, req.UserID, req.SessionID)
	return session, err
}

func (m *mockWorker) Stream(req worker.StreamRequest) (*models.Message, string, error) {
	if err := m.streamErr; err != nil {
		m.streamErr = nil
		return nil, "", err
	}
	m.mu.Lock()
	m.attachments = req.Attachments
	m.mu.Unlock()
	if req.ChunkFn != nil {
		if err := req.ChunkFn("mock-chunk"); err != nil {
			return nil, "", err
		}
	}
	resp := &models.Message{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Role:      models.RoleAssistant,
		Content:   fmt.Sprintf("Mock response to %q", req.Message.Content),
	}
	return resp, "Mock Title", nil
}

func (m *mockWorker) ResetUser(int64)    {}
func (m *mockWorker) Purge(int64, int64) {}

func (m *mockWorker) InvalidateAttachments(userID, sessionID int64) {
	m.mu.Lock()
	m.invalidations[fmt.Sprintf("%d:%d", userID, sessionID)] = true
	m.mu.Unlock()
}

func (m *mockWorker) invalidated(userID, sessionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidations[fmt.Sprintf("%d:%d", userID, sessionID)]
}

func (m *mockWorker) lastAttachments() []*models.Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attachments
}
