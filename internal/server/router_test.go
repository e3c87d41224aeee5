package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/minhdzvcl102/chatbot/internal/airelay"
	"github.com/minhdzvcl102/chatbot/internal/blob"
	"github.com/minhdzvcl102/chatbot/internal/config"
	"github.com/minhdzvcl102/chatbot/internal/db"
	"github.com/minhdzvcl102/chatbot/internal/presence"
	"github.com/minhdzvcl102/chatbot/internal/service"
	"github.com/minhdzvcl102/chatbot/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAI struct{ up bool }

func (f fakeAI) Probe(context.Context) bool { return f.up }
func (f fakeAI) Config() airelay.Config {
	return airelay.Config{Addr: "ai.internal:8888", Timeout: 90 * time.Second}
}

type testServer struct {
	engine *gin.Engine
	blobs  *blob.MemoryStore
}

func newTestServer(t *testing.T, aiUp bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.OpenMemory("srv_" + uuid.NewString())
	require.NoError(t, err)

	cfg := config.Config{
		Env:                   "test",
		JWTSecret:             "secret",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		Upload:                config.UploadConfig{MaxBytes: 1024, AllowedTypes: []string{"application/pdf"}},
	}
	blobs := blob.NewMemoryStore()
	users := service.NewUserService(gdb, cfg)
	convs := service.NewConversationService(gdb)
	msgs := service.NewMessageService(gdb)
	hub := ws.NewHub(service.NewGateway(users, convs, msgs), nil, presence.NewRegistry(), nil)
	t.Cleanup(hub.Close)

	engine := SetupRouter(cfg, Deps{
		DB:            gdb,
		Users:         users,
		Conversations: convs,
		Messages:      msgs,
		Files:         service.NewFileService(gdb, blobs, cfg.Upload),
		Hub:           hub,
		AI:            fakeAI{up: aiUp},
	})
	return &testServer{engine: engine, blobs: blobs}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, path, token, name, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := form.CreatePart(hdr)
	require.NoError(t, err)
	_, _ = part.Write(data)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// signup 注册并登录，返回 access token。
func (s *testServer) signup(t *testing.T, name string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": name, "email": name + "@example.com", "password": "secret1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": name + "@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, w, &out)
	require.NotEmpty(t, out.AccessToken)
	return out.AccessToken
}

func TestHealthz(t *testing.T) {
	for _, up := range []bool{true, false} {
		s := newTestServer(t, up)
		w := s.do(t, http.MethodGet, "/healthz", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out struct {
			Status string `json:"status"`
			AI     bool   `json:"ai"`
		}
		decodeBody(t, w, &out)
		assert.Equal(t, up, out.AI)
		if up {
			assert.Equal(t, "ok", out.Status)
		} else {
			assert.Equal(t, "degraded", out.Status)
		}
	}
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t, true)

	tests := []struct {
		name string
		body gin.H
		code int
	}{
		{"missing email", gin.H{"username": "al", "password": "secret1"}, http.StatusBadRequest},
		{"bad email", gin.H{"username": "al", "email": "nope", "password": "secret1"}, http.StatusBadRequest},
		{"short password", gin.H{"username": "al", "email": "al@example.com", "password": "123"}, http.StatusBadRequest},
		{"ok", gin.H{"username": "alice", "email": "alice@example.com", "password": "secret1"}, http.StatusCreated},
		{"username taken", gin.H{"username": "alice", "email": "x@example.com", "password": "secret1"}, http.StatusConflict},
		{"email taken", gin.H{"username": "alice2", "email": "alice@example.com", "password": "secret1"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/auth/register", "", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	w := s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, w, &login)

	w = s.do(t, http.MethodGet, "/api/v1/me", login.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	decodeBody(t, w, &me)
	assert.Equal(t, "alice", me.Username)

	w = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": login.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": login.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "refresh tokens rotate")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/me", "garbage", nil).Code)
}

func TestConversationsAndMessages(t *testing.T) {
	s := newTestServer(t, true)
	alice := s.signup(t, "alice")
	bob := s.signup(t, "bob")

	w := s.do(t, http.MethodPost, "/api/v1/conversations", alice, gin.H{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/conversations", alice, gin.H{"title": "Budget"})
	require.Equal(t, http.StatusCreated, w.Code)
	var conv service.ConversationDTO
	decodeBody(t, w, &conv)
	base := "/api/v1/conversations/" + uintStr(conv.ID)

	w = s.do(t, http.MethodGet, "/api/v1/conversations", alice, nil)
	var list struct {
		Conversations []service.ConversationDTO `json:"conversations"`
	}
	decodeBody(t, w, &list)
	require.Len(t, list.Conversations, 1)

	w = s.do(t, http.MethodGet, "/api/v1/conversations", bob, nil)
	decodeBody(t, w, &list)
	assert.Empty(t, list.Conversations)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, base+"/messages", bob, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/conversations/abc/messages", alice, nil).Code)

	w = s.do(t, http.MethodPost, base+"/messages", alice, gin.H{"content": " imported "})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, base+"/messages", alice, gin.H{"content": "answer", "role": "assistant"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, base+"/messages", alice, gin.H{"content": "x", "role": "system"}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, base+"/messages", alice, gin.H{"content": ""}).Code)

	w = s.do(t, http.MethodGet, base+"/messages?limit=10", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs struct {
		Messages []service.MessageDTO `json:"messages"`
	}
	decodeBody(t, w, &msgs)
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, "imported", msgs.Messages[0].Content)
	assert.Equal(t, "answer", msgs.Messages[1].Content)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPatch, base, bob, gin.H{"title": "mine"}).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPatch, base, alice, gin.H{"title": "Renamed"}).Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, base, bob, nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, base, alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, base+"/messages", alice, nil).Code)
}

func TestFiles(t *testing.T) {
	s := newTestServer(t, true)
	alice := s.signup(t, "alice")
	bob := s.signup(t, "bob")

	w := s.do(t, http.MethodPost, "/api/v1/conversations", alice, gin.H{"title": "Docs"})
	var conv service.ConversationDTO
	decodeBody(t, w, &conv)
	base := "/api/v1/conversations/" + uintStr(conv.ID) + "/files"

	pdf := []byte("%PDF-1.4 test")
	assert.Equal(t, http.StatusUnsupportedMediaType, s.upload(t, base, alice, "a.png", "image/png", []byte("png")).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, s.upload(t, base, alice, "big.pdf", "application/pdf", make([]byte, 2048)).Code)
	assert.Equal(t, http.StatusNotFound, s.upload(t, base, bob, "a.pdf", "application/pdf", pdf).Code)

	w = s.upload(t, base, alice, "report.pdf", "application/pdf", pdf)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var up struct {
		File service.FileDTO `json:"file"`
	}
	decodeBody(t, w, &up)
	assert.Equal(t, "report.pdf", up.File.OriginalName)

	w = s.upload(t, base, alice, "copy.pdf", "application/pdf", pdf)
	require.Equal(t, http.StatusOK, w.Code)
	var dup struct {
		File service.FileDTO `json:"file"`
	}
	decodeBody(t, w, &dup)
	assert.True(t, dup.File.IsDuplicate)
	assert.Equal(t, up.File.ID, dup.File.ID)
	assert.Equal(t, 1, s.blobs.Len())

	w = s.do(t, http.MethodGet, "/files/"+up.File.FileName, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pdf, w.Body.Bytes())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/files/"+up.File.FileName, bob, nil).Code)

	w = s.do(t, http.MethodGet, base, alice, nil)
	var files struct {
		Files []service.FileDTO `json:"files"`
	}
	decodeBody(t, w, &files)
	assert.Len(t, files.Files, 1)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, base+"/"+uintStr(up.File.ID), alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, base+"/"+uintStr(up.File.ID), alice, nil).Code)
	assert.Equal(t, 0, s.blobs.Len())
}

func TestStats(t *testing.T) {
	s := newTestServer(t, true)
	token := s.signup(t, "alice")
	w := s.do(t, http.MethodGet, "/api/v1/stats", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Realtime ws.Stats `json:"realtime"`
		AI       struct {
			Addr           string `json:"addr"`
			TimeoutSeconds int    `json:"timeoutSeconds"`
		} `json:"ai"`
	}
	decodeBody(t, w, &out)
	assert.Equal(t, ws.Stats{}, out.Realtime)
	assert.Equal(t, "ai.internal:8888", out.AI.Addr)
	assert.Equal(t, 90, out.AI.TimeoutSeconds)
}

func TestMetricsAndNoRoute(t *testing.T) {
	s := newTestServer(t, true)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/nope", "", nil).Code)
}

func uintStr(v uint) string { return strconv.FormatUint(uint64(v), 10) }
