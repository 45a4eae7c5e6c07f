package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Notnaton/simplewebui/internal/chatstore"
	"github.com/Notnaton/simplewebui/internal/config"
	"github.com/Notnaton/simplewebui/internal/database"
	"github.com/Notnaton/simplewebui/internal/llm"
	"github.com/Notnaton/simplewebui/internal/models"
)

// fakeStreamer replays canned tokens and records what it was asked
type fakeStreamer struct {
	mu     sync.Mutex
	tokens []string
	err    error
	calls  int
	cfg    models.LLMConfig
	msgs   []models.Message
}

func (f *fakeStreamer) Stream(ctx context.Context, cfg models.LLMConfig, msgs []models.Message, onToken llm.TokenFunc) (string, error) {
	f.mu.Lock()
	f.calls++
	f.cfg = cfg
	f.msgs = append([]models.Message(nil), msgs...)
	tokens, ferr := f.tokens, f.err
	f.mu.Unlock()

	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteString(tok)
		if err := onToken(tok); err != nil {
			return sb.String(), err
		}
	}
	return sb.String(), ferr
}

type testEnv struct {
	t      *testing.T
	srv    *WebServer
	llm    *fakeStreamer
	cookie *http.Cookie
}

func newTestEnv(t *testing.T, mutate ...func(*config.MainConfig)) *testEnv {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Chat.Dir = t.TempDir()
	cfg.Database.DataDir = t.TempDir()
	cfg.Chat.PromptCooldown = 0
	for _, m := range mutate {
		m(cfg)
	}

	db, err := database.OpenDatabase(database.DBConfigFrom(cfg.Database))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Shutdown() })

	store, err := chatstore.New(cfg.Chat.Dir, cfg.Chat.SystemPrompt)
	require.NoError(t, err)

	fake := &fakeStreamer{tokens: []string{"Hello ", "**world**"}}
	srv, err := NewServer(cfg, db, store, fake)
	require.NoError(t, err)
	t.Cleanup(srv.Rendered.Stop)
	return &testEnv{t: t, srv: srv, llm: fake}
}

func (e *testEnv) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}
	rec := httptest.NewRecorder()
	e.srv.Router.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == sessionCookieName {
			e.cookie = ck
		}
	}
	return rec
}

func (e *testEnv) session() *models.Session {
	e.t.Helper()
	require.NotNil(e.t, e.cookie, "no session cookie yet")
	s, err := e.srv.DB.GetSession(e.cookie.Value)
	require.NoError(e.t, err)
	return s
}

func (e *testEnv) conversation() *models.Conversation {
	e.t.Helper()
	conv, err := e.srv.Store.Load(e.session().ConversationID)
	require.NoError(e.t, err)
	return conv
}

func (e *testEnv) send(prompt string) *httptest.ResponseRecorder {
	return e.do(http.MethodPost, "/input", url.Values{"prompt": {prompt}})
}

func TestPingAndHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())

	rec = env.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["database"])
	require.Contains(t, body, "render_cache")
	assert.Contains(t, body["render_cache"], "entries")
	assert.Nil(t, env.cookie, "health checks do not create sessions")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/ping", nil)
	rec := env.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webui_http_requests_total")
}

func TestIndexCreatesSession(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, HTMXURL)
	assert.Contains(t, body, SSEURL)
	assert.Contains(t, body, `hx-post="/input"`)
	assert.Contains(t, body, `id="sidebar"`)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	require.NotNil(t, env.cookie)
	assert.True(t, env.cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, env.cookie.SameSite)
	assert.False(t, env.cookie.Secure)
	assert.Len(t, env.cookie.Value, database.SessionIDLength)

	// the same cookie keeps the same session
	first := env.session().ConversationID
	env.do(http.MethodGet, "/", nil)
	assert.Equal(t, first, env.session().ConversationID)
}

func TestSecureCookieBehindTLSProxy(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	env.srv.Router.ServeHTTP(rec, req)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.True(t, cookies[0].Secure)
}

func TestUnknownCookieStartsNewSession(t *testing.T) {
	env := newTestEnv(t)
	env.cookie = &http.Cookie{Name: sessionCookieName, Value: strings.Repeat("a", 64)}
	rec := env.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, strings.Repeat("a", 64), env.cookie.Value)
	env.session()
}

func TestInputAndStream(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/", nil)

	rec := env.send("  hello <there>  ")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `<div class="message user">hello &lt;there&gt;</div>`)
	assert.Contains(t, body, `sse-connect="/stream"`)
	assert.Contains(t, body, `sse-swap="message"`)
	assert.Contains(t, body, `sse-close="done"`)
	assert.Equal(t, chatsChangedEvent, rec.Header().Get("HX-Trigger"))
	assert.Equal(t, "hello <there>", env.session().Title)

	rec = env.do(http.MethodGet, "/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream"), rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	stream := rec.Body.String()
	assert.Contains(t, stream, "event:message")
	assert.Contains(t, stream, "<strong>world</strong>")
	assert.True(t, strings.HasSuffix(stream, "event:done\ndata:\n\n"), "stream ends with done: %q", stream)
	assert.Less(t, strings.LastIndex(stream, "event:message"), strings.Index(stream, "event:done"))

	conv := env.conversation()
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, models.Message{Role: models.RoleSystem, Message: config.DefaultSystemPrompt}, conv.Messages[0])
	assert.Equal(t, models.Message{Role: models.RoleUser, Message: "hello <there>"}, conv.Messages[1])
	assert.Equal(t, models.Message{Role: models.RoleAssistant, Message: "Hello **world**"}, conv.Messages[2])

	// the model saw system prompt and user turn with the session settings
	assert.Len(t, env.llm.msgs, 2)
	assert.Equal(t, config.DefaultLLM, env.llm.cfg)

	// a reconnect after the reply was stored only closes the stream
	rec = env.do(http.MethodGet, "/stream", nil)
	assert.Equal(t, "event:done\ndata:\n\n", rec.Body.String())
	assert.Equal(t, 1, env.llm.calls)

	// the page shows the conversation on reload
	page := env.do(http.MethodGet, "/", nil).Body.String()
	assert.Contains(t, page, `<div class="message user">hello &lt;there&gt;</div>`)
	assert.Contains(t, page, "<strong>world</strong>")
	assert.NotContains(t, page, config.DefaultSystemPrompt)
	assert.Equal(t, 1, env.srv.Rendered.Len(), "stored reply rendering is cached")
}

func TestInputValidation(t *testing.T) {
	env := newTestEnv(t, func(c *config.MainConfig) { c.Chat.MaxPromptLen = 10 })

	rec := env.send("   ")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = env.send(strings.Repeat("x", 11))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `class="message error"`)

	// ten runes, more than ten bytes
	rec = env.send(strings.Repeat("é", 10))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInputRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.MainConfig) { c.Chat.PromptCooldown = time.Hour })

	assert.Equal(t, http.StatusOK, env.send("one").Code)
	rec := env.send("two")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Too many requests")
	assert.Equal(t, 1, env.conversation().UserTurns())
}

func TestStreamSplitsMultiLineHTML(t *testing.T) {
	env := newTestEnv(t)
	env.llm.tokens = []string{"- one\n- two\n\n", "```\r\nline one\r\nline two\r\n```"}

	env.send("list and code")
	stream := env.do(http.MethodGet, "/stream", nil).Body.String()

	assert.Contains(t, stream, "data:<ul>\ndata:<li>one</li>\ndata:<li>two</li>\ndata:</ul>\n")
	assert.Contains(t, stream, "data:<pre><code>line one\ndata:line two\n")
	assert.NotContains(t, stream, "\r")
	assert.NotContains(t, stream, `\r`)
	for _, line := range strings.Split(stream, "\n") {
		if line == "" {
			continue
		}
		assert.True(t, strings.HasPrefix(line, "data:") || strings.HasPrefix(line, "event:"), "unprefixed line %q", line)
	}
}

func TestStreamWithoutPendingPrompt(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/stream", nil)
	assert.Equal(t, "event:done\ndata:\n\n", rec.Body.String())
	assert.Zero(t, env.llm.calls)
}

func TestStreamErrorKeepsPartialReply(t *testing.T) {
	env := newTestEnv(t)
	env.llm.tokens = []string{"partial"}
	env.llm.err = &llm.StatusError{Code: http.StatusInternalServerError, Body: "boom"}

	env.send("hi")
	rec := env.do(http.MethodGet, "/stream", nil)
	stream := rec.Body.String()
	assert.Contains(t, stream, "status 500")
	assert.Contains(t, stream, "<p>partial</p>")
	assert.True(t, strings.HasSuffix(stream, "event:done\ndata:\n\n"))

	last, ok := env.conversation().Last()
	require.True(t, ok)
	assert.Equal(t, models.Message{Role: models.RoleAssistant, Message: "partial"}, last)
}

func TestStreamAuthErrorWithoutReply(t *testing.T) {
	env := newTestEnv(t)
	env.llm.tokens = nil
	env.llm.err = &llm.AuthError{Code: http.StatusUnauthorized}

	env.send("hi")
	stream := env.do(http.MethodGet, "/stream", nil).Body.String()
	assert.Contains(t, stream, "rejected the API key")

	last, _ := env.conversation().Last()
	assert.Equal(t, models.RoleUser, last.Role, "nothing stored without a reply")
}

func TestSidebar(t *testing.T) {
	env := newTestEnv(t)
	env.send("<b>first</b> chat")
	firstSID := env.session().ConversationID

	env.do(http.MethodGet, "/new", nil)
	env.send(strings.Repeat("long title ", 10))

	// coarse file timestamps could tie, so age the first chat explicitly
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(env.srv.Store.Dir(), firstSID+".json"), old, old))

	rec := env.do(http.MethodGet, "/sidebar", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<h2>Your chats</h2>")
	assert.Contains(t, body, `hx-get="/new"`)
	assert.Contains(t, body, `hx-get="/settings"`)
	assert.Contains(t, body, "&lt;b&gt;first&lt;/b&gt; chat")
	assert.NotContains(t, body, "<b>first</b>")
	assert.Contains(t, body, `hx-get="/load?sid=`+firstSID+`"`)
	assert.Contains(t, body, `hx-post="/delete?sid=`+firstSID+`"`)
	assert.Contains(t, body, models.TruncateTitle(strings.Repeat("long title ", 10)))

	// newest first, current one highlighted
	current := env.session().ConversationID
	assert.Less(t, strings.Index(body, current), strings.Index(body, firstSID))
	assert.Equal(t, 1, strings.Count(body, "chat-row active"))
	assert.Less(t, strings.Index(body, "chat-row active"), strings.Index(body, current))
}

func TestLoadChat(t *testing.T) {
	env := newTestEnv(t)
	env.send("remember me")
	env.do(http.MethodGet, "/stream", nil)
	saved := env.session().ConversationID

	env.do(http.MethodGet, "/new", nil)
	require.NotEqual(t, saved, env.session().ConversationID)

	rec := env.do(http.MethodGet, "/load", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = env.do(http.MethodGet, "/load?sid=../../etc/passwd", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/load?sid="+models.NewConversationID(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/load?sid="+saved, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<div class="message user">remember me</div>`)
	assert.Contains(t, rec.Body.String(), "<strong>world</strong>")
	assert.Equal(t, chatsChangedEvent, rec.Header().Get("HX-Trigger"))

	s := env.session()
	assert.Equal(t, saved, s.ConversationID)
	assert.Equal(t, "remember me", s.Title)
}

func TestNewChat(t *testing.T) {
	env := newTestEnv(t)
	env.send("old chat")
	old := env.session().ConversationID

	rec := env.do(http.MethodGet, "/new", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, strings.TrimSpace(rec.Body.String()))
	assert.Equal(t, chatsChangedEvent, rec.Header().Get("HX-Trigger"))

	s := env.session()
	assert.NotEqual(t, old, s.ConversationID)
	assert.Empty(t, s.Title)
	assert.True(t, env.srv.Store.Exists(s.ConversationID), "new chat is saved right away")
	conv := env.conversation()
	assert.Equal(t, []models.Message{{Role: models.RoleSystem, Message: config.DefaultSystemPrompt}}, conv.Messages)
}

func TestDeleteChat(t *testing.T) {
	env := newTestEnv(t)
	env.send("to be deleted")
	other := env.session().ConversationID
	env.do(http.MethodGet, "/new", nil)
	env.send("current")
	current := env.session().ConversationID

	rec := env.do(http.MethodPost, "/delete?sid="+other, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, chatsChangedEvent, rec.Header().Get("HX-Trigger"))
	assert.False(t, env.srv.Store.Exists(other))
	assert.Equal(t, current, env.session().ConversationID)

	rec = env.do(http.MethodPost, "/delete?sid="+other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/delete?sid=bad/id", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/delete?sid="+current, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "#messages", rec.Header().Get("HX-Retarget"))
	assert.Equal(t, "innerHTML", rec.Header().Get("HX-Reswap"))
	assert.False(t, env.srv.Store.Exists(current))
	assert.NotEqual(t, current, env.session().ConversationID)
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `value="openai/local"`)
	assert.Contains(t, body, `value="http://localhost:1234/v1"`)
	for _, example := range []string{"http://localhost:11434", "http://localhost:1234/v1", "http://localhost:8080/v1", "http://localhost:4891/v1"} {
		assert.Contains(t, body, example)
	}

	rec = env.do(http.MethodPost, "/settings", url.Values{
		"model":    {" ollama/llama3 "},
		"api_base": {"http://localhost:11434"},
		"api_key":  {""},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Settings saved")
	assert.Equal(t, models.LLMConfig{
		Model:   "ollama/llama3",
		APIBase: "http://localhost:11434",
		APIKey:  config.DefaultLLM.APIKey,
	}, env.session().LLM)

	// the stream uses the stored settings
	env.send("hi")
	env.do(http.MethodGet, "/stream", nil)
	assert.Equal(t, "ollama/llama3", env.llm.cfg.Model)

	// values are escaped in the form
	env.do(http.MethodPost, "/settings", url.Values{"model": {`x"><script>`}})
	body = env.do(http.MethodGet, "/settings", nil).Body.String()
	assert.NotContains(t, body, `x"><script>`)
	assert.Contains(t, body, "x&#34;&gt;&lt;script&gt;")
}

func TestStaticFiles(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/static/style.css", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")
	assert.Contains(t, rec.Body.String(), "#messages")

	rec = env.do(http.MethodGet, "/static/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPromptLimiterPrune(t *testing.T) {
	p := newPromptLimiter(time.Hour)
	assert.True(t, p.allow("a"))
	assert.False(t, p.allow("a"))
	assert.True(t, p.allow("b"))
	assert.Equal(t, 2, p.prune(time.Hour))
	assert.Equal(t, 0, p.prune(-time.Second))
	assert.True(t, p.allow("a"), "a pruned limiter starts over")

	unlimited := newPromptLimiter(0)
	for i := 0; i < 5; i++ {
		assert.True(t, unlimited.allow("a"))
	}
}

func TestUserFacingError(t *testing.T) {
	assert.Contains(t, userFacingError(&llm.AuthError{Code: 401}), "API key")
	assert.Contains(t, userFacingError(&llm.StatusError{Code: 429}), "rate limiting")
	assert.Contains(t, userFacingError(&llm.StatusError{Code: 404}), "status 404")
	assert.Contains(t, userFacingError(&llm.APIError{Message: "bad"}), "bad")
	assert.Contains(t, userFacingError(context.DeadlineExceeded), "too long")
	assert.Contains(t, userFacingError(llm.ErrTruncatedStream), "before the reply was complete")
	assert.Contains(t, userFacingError(io.EOF), "Could not reach")
}

func TestSessionCleanup(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.RunSessionCleanup(ctx, time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// the live session survived
	env.session()
}
