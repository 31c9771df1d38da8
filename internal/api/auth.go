package api

import (
    "net/http"
    "strings"

    "mealtrack/internal/auth"
)

// principal extracts the authenticated caller from the bearer credential.
// Every endpoint requires one; a missing or unverifiable token is a 401,
// which tells the client to re-authenticate.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
    tok := bearerToken(r)
    if tok == "" {
        writeProblem(w, http.StatusUnauthorized, "Unauthorized", "bearer credential required", r.URL.Path)
        return auth.Principal{}, false
    }
    p, err := s.Auth.Verify(tok)
    if err != nil {
        writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
        return auth.Principal{}, false
    }
    return p, true
}

func bearerToken(r *http.Request) string {
    authz := r.Header.Get("Authorization")
    if !strings.HasPrefix(strings.ToLower(authz), "bearer ") { return "" }
    return strings.TrimSpace(authz[len("Bearer "):])
}
