package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Notnaton/simplewebui/internal/database"
	"github.com/Notnaton/simplewebui/internal/models"
)

const (
	sessionCookieName = "webui_session"
	ctxSessionKey     = "webui_session"
)

// SessionMiddleware attaches the browser session to the request, creating
// a fresh one (with a new conversation) when the cookie is missing, unknown
// or expired. The cookie is re-issued on every request so that it slides
// together with the stored expiry.
func (s *WebServer) SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := s.getWebSession(c)
		if session == nil {
			var err error
			session, err = s.createWebSession()
			if err != nil {
				s.renderError(c, http.StatusInternalServerError, "Could not start a session.", err)
				c.Abort()
				return
			}
			s.logger.Debug().Str("request_id", c.GetString(ctxRequestID)).Msg("new browser session")
		}
		s.setSessionCookie(c, session.ID)
		c.Set(ctxSessionKey, session)
		c.Next()
	}
}

// currentSession returns the session stored by SessionMiddleware
func currentSession(c *gin.Context) *models.Session {
	if v, ok := c.Get(ctxSessionKey); ok {
		if session, ok := v.(*models.Session); ok {
			return session
		}
	}
	return nil
}

// getWebSession retrieves the session named by the cookie
func (s *WebServer) getWebSession(c *gin.Context) *models.Session {
	sessionID, err := c.Cookie(sessionCookieName)
	if err != nil || sessionID == "" {
		return nil
	}
	session, err := s.DB.GetSession(sessionID)
	if err != nil {
		if !errors.Is(err, database.ErrSessionNotFound) {
			s.logger.Warn().Err(err).Msg("session lookup failed")
		}
		return nil
	}
	if !models.ValidConversationID(session.ConversationID) {
		return nil
	}
	return session
}

// createWebSession stores a new session pointing at a new, unsaved conversation
func (s *WebServer) createWebSession() (*models.Session, error) {
	return s.DB.CreateSession(models.NewConversationID(), s.Config.LLM)
}

// sessionLLM returns the provider settings of a session, falling back to
// the server defaults for blank fields
func (s *WebServer) sessionLLM(session *models.Session) models.LLMConfig {
	return session.LLM.WithDefaults(s.Config.LLM)
}

func isHTTPS(c *gin.Context) bool {
	return c.Request != nil && (c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https"))
}

// setSessionCookie writes the session cookie
func (s *WebServer) setSessionCookie(c *gin.Context, sessionID string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   isHTTPS(c),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.Config.Database.SessionTimeout / time.Second),
	})
}
