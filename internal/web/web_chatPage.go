package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/Notnaton/simplewebui/internal/llm"
	"github.com/Notnaton/simplewebui/internal/metrics"
	"github.com/Notnaton/simplewebui/internal/models"
)

// promptLimiter allows one prompt per cooldown and session
type promptLimiter struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newPromptLimiter(every time.Duration) *promptLimiter {
	return &promptLimiter{every: every, limiters: make(map[string]*limiterEntry)}
}

func (p *promptLimiter) allow(key string) bool {
	if p.every <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.limiters[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Every(p.every), 1)}
		p.limiters[key] = e
	}
	e.seen = time.Now()
	return e.lim.Allow()
}

// prune drops limiters not used for idle and returns how many are left
func (p *promptLimiter) prune(idle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	for key, e := range p.limiters {
		if e.seen.Before(cutoff) {
			delete(p.limiters, key)
		}
	}
	return len(p.limiters)
}

// IndexPageData for the chat page template
type IndexPageData struct {
	PageTitle    string
	HTMXURL      string
	SSEURL       string
	MaxPromptLen int
	Messages     []renderedMessage
}

// indexPage renders the chat page with the current conversation
func (s *WebServer) indexPage(c *gin.Context) {
	session := currentSession(c)
	conv, err := s.Store.Load(session.ConversationID)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not load the conversation.", err)
		return
	}

	title := "Chat"
	if session.Title != "" {
		title = session.Title + " - Chat"
	}
	s.renderTemplate(c, http.StatusOK, "index.html", IndexPageData{
		PageTitle:    title,
		HTMXURL:      HTMXURL,
		SSEURL:       SSEURL,
		MaxPromptLen: s.Config.Chat.MaxPromptLen,
		Messages:     s.renderMessages(conv),
	})
}

// chatInput stores the user prompt and answers with the user bubble plus a
// placeholder bubble that opens the reply stream
func (s *WebServer) chatInput(c *gin.Context) {
	session := currentSession(c)
	prompt := strings.TrimSpace(c.PostForm("prompt"))
	if prompt == "" {
		c.String(http.StatusOK, "")
		return
	}

	if utf8.RuneCountInString(prompt) > s.Config.Chat.MaxPromptLen {
		metrics.PromptsRejected.WithLabelValues("too_long").Inc()
		s.renderError(c, http.StatusBadRequest,
			fmt.Sprintf("Message too long (max %d characters).", s.Config.Chat.MaxPromptLen), nil)
		return
	}
	if !s.limiter.allow(session.ID) {
		metrics.PromptsRejected.WithLabelValues("rate_limited").Inc()
		s.renderError(c, http.StatusTooManyRequests, "Too many requests. Please wait before sending another message.", nil)
		return
	}

	userMsg := models.Message{Role: models.RoleUser, Message: prompt}
	conv, err := s.Store.Append(session.ConversationID, userMsg)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not save your message.", err)
		return
	}

	// the first user message names the chat
	if conv.UserTurns() == 1 {
		if err := s.DB.SetSessionTitle(session.ID, models.TruncateTitle(prompt)); err != nil {
			s.logger.Warn().Err(err).Msg("failed to store session title")
		}
	}

	triggerChatsChanged(c)
	s.renderTemplate(c, http.StatusOK, "input.html", gin.H{
		"User": []renderedMessage{s.renderMessage(userMsg)},
	})
}

// chatStream streams the assistant reply as server-sent events. Every
// "message" event carries the Markdown rendering of the whole reply so far;
// a final "done" event closes the stream.
func (s *WebServer) chatStream(c *gin.Context) {
	session := currentSession(c)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	conv, err := s.Store.Load(session.ConversationID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load conversation for streaming")
		s.sendEvent(c, "message", s.streamErrorHTML("", "Could not load the conversation."))
		s.sendEvent(c, "done", "")
		return
	}
	if last, ok := conv.Last(); !ok || last.Role != models.RoleUser {
		// nothing to answer, e.g. an EventSource reconnect after the reply was stored
		s.sendEvent(c, "done", "")
		return
	}

	cfg := s.sessionLLM(session)
	provider, _ := llm.Resolve(cfg.Model)
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.Config.Chat.StreamTimeout)
	defer cancel()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()
	started := time.Now()

	// flush headers so the browser sees the stream open before the first token
	c.Status(http.StatusOK)
	c.Writer.Flush()

	var buffer strings.Builder
	reply, err := s.LLM.Stream(ctx, cfg, conv.Messages, func(token string) error {
		buffer.WriteString(token)
		metrics.TokensStreamed.WithLabelValues(string(provider)).Inc()
		if err := c.Request.Context().Err(); err != nil {
			return err
		}
		s.sendEvent(c, "message", string(s.renderMarkdown(buffer.String())))
		return nil
	})

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	metrics.ObserveCompletion(string(provider), result, started)

	if err == nil || reply != "" {
		if _, serr := s.Store.Append(conv.SID, models.Message{Role: models.RoleAssistant, Message: reply}); serr != nil {
			s.logger.Error().Err(serr).Str("sid", conv.SID).Msg("failed to store reply")
		}
	}

	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("provider", string(provider)).
			Str("model", cfg.Model).
			Str("result", result).
			Int("partial_len", len(reply)).
			Msg("completion failed")
		if result != "canceled" {
			s.sendEvent(c, "message", s.streamErrorHTML(reply, userFacingError(err)))
		}
	}
	s.sendEvent(c, "done", "")
}

// crlf folds CR and CRLF line endings into LF; the SSE encoder would
// otherwise escape a bare CR into a literal "\r".
var crlf = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// sendEvent writes one SSE event and flushes it. Every line of data gets
// its own "data:" field; trailing newlines are trimmed so that no empty
// data line is sent.
func (s *WebServer) sendEvent(c *gin.Context, event, data string) {
	c.SSEvent(event, strings.TrimRight(crlf.Replace(data), "\n"))
	c.Writer.Flush()
}

// streamErrorHTML renders the partial reply followed by an error note
func (s *WebServer) streamErrorHTML(partial, message string) string {
	out, err := s.executeTemplate("stream_error", gin.H{
		"Partial": s.renderMarkdown(partial),
		"Message": message,
	})
	if err != nil {
		return template.HTMLEscapeString(message)
	}
	return out
}

// userFacingError maps LLM errors to a short explanation for the chat bubble
func userFacingError(err error) string {
	var statusErr *llm.StatusError
	var apiErr *llm.APIError
	switch {
	case llm.IsAuthError(err):
		return "The model server rejected the API key. Check your settings."
	case errors.Is(err, context.DeadlineExceeded):
		return "The model took too long to answer."
	case errors.As(err, &statusErr):
		if statusErr.Code == http.StatusTooManyRequests {
			return "The model server is rate limiting requests. Try again later."
		}
		return fmt.Sprintf("The model server returned status %d.", statusErr.Code)
	case errors.As(err, &apiErr):
		return "The model reported an error: " + apiErr.Message
	case errors.Is(err, llm.ErrTruncatedStream):
		return "The model server closed the connection before the reply was complete."
	default:
		return "Could not reach the model server. Check your settings."
	}
}
