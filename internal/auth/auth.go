// Package auth guards the status API with Basic credentials or bearer JWTs.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/unitd/internal/config"
)

const issuer = "unitd"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoCredentials      = errors.New("authentication required")
	ErrNoSecret           = errors.New("jwt_secret is not configured")
)

// Authenticator checks requests against the configured users and secret.
type Authenticator struct {
	users  map[string][]byte
	secret []byte
	ttl    time.Duration
}

// New builds an Authenticator; it returns nil when auth is disabled.
func New(c config.AuthConfig) (*Authenticator, error) {
	if !c.Enabled {
		return nil, nil
	}
	a := &Authenticator{
		users:  make(map[string][]byte, len(c.Users)),
		secret: []byte(c.JWTSecret),
		ttl:    c.TokenTTL,
	}
	if a.ttl <= 0 {
		a.ttl = 24 * time.Hour
	}
	for _, u := range c.Users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %s: password_hash: %w", u.Username, err)
		}
		a.users[u.Username] = []byte(u.PasswordHash)
	}
	return a, nil
}

// HashPassword returns the bcrypt hash to put into password_hash.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// Issue signs a token for subject valid for the configured TTL.
func (a *Authenticator) Issue(subject string) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, ErrNoSecret
	}
	now := time.Now()
	exp := now.Add(a.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return s, exp, nil
}

// Authenticate returns the caller's name.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "bearer") {
			return a.verify(strings.TrimSpace(tok))
		}
	}
	if user, pass, ok := r.BasicAuth(); ok {
		hash, known := a.users[user]
		if !known {
			return "", ErrInvalidCredentials
		}
		if bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
			return "", ErrInvalidCredentials
		}
		return user, nil
	}
	return "", ErrNoCredentials
}

func (a *Authenticator) verify(s string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrInvalidCredentials
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(s, &claims, func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return claims.Subject, nil
}

// SubjectKey holds the authenticated name in the gin context.
const SubjectKey = "auth_subject"

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := a.Authenticate(c.Request)
		if err != nil {
			if errors.Is(err, ErrNoCredentials) {
				c.Header("WWW-Authenticate", `Basic realm="unitd"`)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(SubjectKey, sub)
		c.Next()
	}
}
