package httpserver

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// BasicAuthGuard protects the admin API with HTTP basic auth. The password
// is checked against its bcrypt hash from ADMIN_PASSWORD_BCRYPT, so the
// plaintext never sits in the environment or config.
func (s *Server) BasicAuthGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !s.checkAdminCredentials(user, pass) {
				w.Header().Set("WWW-Authenticate", `Basic realm="tutordex admin"`)
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code:    "UNAUTHORIZED",
					Message: "admin credentials required",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) checkAdminCredentials(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.Cfg.AdminUsername)) == 1
	// The bcrypt comparison runs on both branches so a wrong username costs
	// the same as a wrong password.
	passErr := bcrypt.CompareHashAndPassword([]byte(s.Cfg.AdminPasswordBcrypt), []byte(pass))
	return userOK && passErr == nil
}
