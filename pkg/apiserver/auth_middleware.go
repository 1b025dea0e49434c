package apiserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/acorn-io/acorn-publish/pkg/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// tokenAuthMiddleware requires a bearer token matching tokenHash, a bcrypt
// hash. An empty hash disables the check.
func tokenAuthMiddleware(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokenHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logrus.Debugf("request URL path: %s", r.URL.Path)
			authorization := r.Header.Get("Authorization")
			token := strings.TrimPrefix(authorization, "Bearer ")
			if token == "" || token == authorization {
				writeError(w, http.StatusUnauthorized, model.CodeInvalidRequest, errors.New("missing bearer token"))
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
				writeError(w, http.StatusForbidden, model.CodeInvalidRequest, errors.New("forbidden to use"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
