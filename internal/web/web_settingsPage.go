package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Notnaton/simplewebui/internal/models"
)

// settingsPage shows the provider settings of the session
func (s *WebServer) settingsPage(c *gin.Context) {
	session := currentSession(c)
	s.renderTemplate(c, http.StatusOK, "settings.html", gin.H{"LLM": s.sessionLLM(session)})
}

// settingsSubmit stores new provider settings; blank fields take the defaults
func (s *WebServer) settingsSubmit(c *gin.Context) {
	session := currentSession(c)
	cfg := models.LLMConfig{
		Model:   c.PostForm("model"),
		APIBase: c.PostForm("api_base"),
		APIKey:  c.PostForm("api_key"),
	}.WithDefaults(s.Config.LLM)

	if err := s.DB.SetSessionLLMConfig(session.ID, cfg); err != nil {
		s.renderError(c, http.StatusInternalServerError, "Could not save settings.", err)
		return
	}
	s.logger.Info().Str("model", cfg.Model).Str("api_base", cfg.APIBase).Msg("session settings updated")
	s.renderTemplate(c, http.StatusOK, "settings_saved.html", nil)
}
