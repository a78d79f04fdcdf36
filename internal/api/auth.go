package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/sessionrelay/internal/logger"
)

// Authenticator checks bearer tokens. A request passes with the static token or, when a
// secret is configured, with an unexpired HS256 token signed by it. With neither configured
// every request is refused.
type Authenticator struct {
	staticToken []byte
	jwtSecret   []byte
}

// NewAuthenticator creates an authenticator; empty values disable that method
func NewAuthenticator(staticToken, jwtSecret string) *Authenticator {
	a := &Authenticator{}
	if staticToken != "" {
		a.staticToken = []byte(staticToken)
	}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	if a.staticToken == nil && a.jwtSecret == nil {
		logger.Warn("no API token configured, all API requests will be refused")
	}
	return a
}

var (
	errMissingToken = errors.New("authentication token required")
	errInvalidToken = errors.New("invalid authentication token")
)

// bearerToken extracts the token after the scheme, the way clients have always sent it
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Check validates the token of r
func (a *Authenticator) Check(r *http.Request) error {
	token := bearerToken(r)
	if token == "" {
		return errMissingToken
	}
	if a.staticToken != nil && subtle.ConstantTimeCompare([]byte(token), a.staticToken) == 1 {
		return nil
	}
	if a.jwtSecret != nil {
		if _, err := a.parse(token); err == nil {
			return nil
		}
	}
	return errInvalidToken
}

func (a *Authenticator) parse(token string) (*jwt.RegisteredClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	claims := &jwt.RegisteredClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Wrap rejects unauthenticated requests: 401 without a token, 403 with a wrong one
func (a *Authenticator) Wrap(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		switch err := a.Check(r); {
		case err == nil:
			next(w, r, ps)
		case errors.Is(err, errMissingToken):
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
		}
	}
}

// IssueToken signs an HS256 token for subject that expires after ttl
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("invalid token lifetime %s", ttl)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
