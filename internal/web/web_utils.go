package web

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Notnaton/simplewebui/internal/models"
)

// chatsChangedEvent is the htmx event the sidebar listens for
const chatsChangedEvent = "chats-changed"

// renderedMessage is one chat bubble
type renderedMessage struct {
	Class string // "user" or "bot"
	Body  template.HTML
}

// renderMessage escapes user text and renders everything else as Markdown
func (s *WebServer) renderMessage(m models.Message) renderedMessage {
	if m.Role == models.RoleUser {
		return renderedMessage{Class: "user", Body: template.HTML(template.HTMLEscapeString(m.Message))}
	}
	return renderedMessage{Class: "bot", Body: s.Rendered.GetOrRender(m.Message, s.renderMarkdown)}
}

// renderMessages renders the visible part of a conversation
func (s *WebServer) renderMessages(conv *models.Conversation) []renderedMessage {
	visible := conv.Visible()
	out := make([]renderedMessage, 0, len(visible))
	for _, m := range visible {
		out = append(out, s.renderMessage(m))
	}
	return out
}

// renderMarkdown falls back to escaped text if goldmark fails
func (s *WebServer) renderMarkdown(src string) template.HTML {
	html, err := s.Markdown.Render(src)
	if err != nil {
		s.logger.Warn().Err(err).Msg("markdown render failed")
		return template.HTML("<pre>" + template.HTMLEscapeString(src) + "</pre>")
	}
	return template.HTML(html)
}

// executeTemplate renders a named template into a string
func (s *WebServer) executeTemplate(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderTemplate writes a named template as an HTML response
func (s *WebServer) renderTemplate(c *gin.Context, status int, name string, data any) {
	out, err := s.executeTemplate(name, data)
	if err != nil {
		s.logger.Error().Err(err).Str("template", name).Msg("template execution failed")
		c.String(http.StatusInternalServerError, "template error")
		return
	}
	c.Data(status, "text/html; charset=utf-8", []byte(out))
}

// renderError answers with an error bubble fragment. err is only logged.
func (s *WebServer) renderError(c *gin.Context, status int, message string, err error) {
	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("request_id", c.GetString(ctxRequestID)).
		Int("status", status).
		Msg(message)
	s.renderTemplate(c, status, "error.html", gin.H{"Message": message})
}

// triggerChatsChanged asks the page to refresh the sidebar
func triggerChatsChanged(c *gin.Context) {
	c.Header("HX-Trigger", chatsChangedEvent)
}
