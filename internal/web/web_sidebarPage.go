package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Notnaton/simplewebui/internal/chatstore"
	"github.com/Notnaton/simplewebui/internal/models"
)

// sidebarEntry is one link in the chat list
type sidebarEntry struct {
	SID    string
	Title  string
	Active bool
}

// sidebar lists the stored conversations, newest first
func (s *WebServer) sidebar(c *gin.Context) {
	session := currentSession(c)
	chats, err := s.Store.List()
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not list chats.", err)
		return
	}
	entries := make([]sidebarEntry, 0, len(chats))
	for _, chat := range chats {
		entries = append(entries, sidebarEntry{
			SID:    chat.SID,
			Title:  chat.Title,
			Active: chat.SID == session.ConversationID,
		})
	}
	s.renderTemplate(c, http.StatusOK, "sidebar.html", gin.H{"Chats": entries})
}

// loadChat switches the session to an existing conversation
func (s *WebServer) loadChat(c *gin.Context) {
	sid := c.Query("sid")
	if sid == "" {
		c.String(http.StatusOK, "")
		return
	}
	if !models.ValidConversationID(sid) {
		s.renderError(c, http.StatusBadRequest, "Invalid chat id.", nil)
		return
	}
	if !s.Store.Exists(sid) {
		s.renderError(c, http.StatusNotFound, "Chat not found.", nil)
		return
	}

	conv, err := s.Store.Load(sid)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not load the conversation.", err)
		return
	}
	session := currentSession(c)
	if err := s.DB.SetSessionConversation(session.ID, sid); err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not switch chats.", err)
		return
	}
	if err := s.DB.SetSessionTitle(session.ID, conv.Title()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to store session title")
	}

	triggerChatsChanged(c)
	s.renderTemplate(c, http.StatusOK, "messages.html", s.renderMessages(conv))
}

// newChat starts and saves a fresh conversation, keeping the provider settings
func (s *WebServer) newChat(c *gin.Context) {
	session := currentSession(c)
	conv, err := s.startConversation(session)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not start a new chat.", err)
		return
	}
	triggerChatsChanged(c)
	s.renderTemplate(c, http.StatusOK, "messages.html", s.renderMessages(conv))
}

func (s *WebServer) startConversation(session *models.Session) (*models.Conversation, error) {
	conv := models.NewConversation(models.NewConversationID(), s.Store.SystemPrompt())
	if err := s.Store.Save(conv); err != nil {
		return nil, err
	}
	if err := s.DB.SetSessionConversation(session.ID, conv.SID); err != nil {
		return nil, err
	}
	session.ConversationID = conv.SID
	session.Title = ""
	return conv, nil
}

// deleteChat removes a conversation file. Deleting the current chat moves
// the session to a fresh conversation and clears the message pane.
func (s *WebServer) deleteChat(c *gin.Context) {
	sid := c.Query("sid")
	if !models.ValidConversationID(sid) {
		s.renderError(c, http.StatusBadRequest, "Invalid chat id.", nil)
		return
	}
	err := s.Store.Delete(sid)
	if errors.Is(err, chatstore.ErrNotFound) {
		s.renderError(c, http.StatusNotFound, "Chat not found.", nil)
		return
	}
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not delete the chat.", err)
		return
	}
	s.logger.Info().Str("sid", sid).Msg("conversation deleted")

	triggerChatsChanged(c)
	session := currentSession(c)
	if sid != session.ConversationID {
		c.Status(http.StatusNoContent)
		return
	}

	conv, err := s.startConversation(session)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not start a new chat.", err)
		return
	}
	c.Header("HX-Retarget", "#messages")
	c.Header("HX-Reswap", "innerHTML")
	s.renderTemplate(c, http.StatusOK, "messages.html", s.renderMessages(conv))
}
