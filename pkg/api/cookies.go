package api

import "net/http"

func (s *Server) sessionIDFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(s.deps.AuthConfig.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.deps.AuthConfig.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(s.deps.AuthConfig.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.deps.AuthConfig.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
