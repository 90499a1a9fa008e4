// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"instantreplay/pkg/log"
	"instantreplay/pkg/storage"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptHashCost bcrypt hash cost.
const DefaultBcryptHashCost = 10

// Account contains user information.
type Account struct {
	Username string
	Password []byte // Hashed password.
}

// ValidateResponse ValidateRequest response.
type ValidateResponse struct {
	IsValid bool
	User    Account
}

// Authenticator is responsible for blocking all unauthenticated requests.
type Authenticator interface {
	// ValidateRequest validates raw http requests.
	ValidateRequest(*http.Request) ValidateResponse

	// AuthDisabled if all requests should be allowed.
	AuthDisabled() bool

	// User blocks unauthenticated requests.
	User(http.Handler) http.Handler
}

// NewAuthenticator returns basic authenticator for the configured
// account, or an authenticator that allows everything if none is set.
func NewAuthenticator(c storage.APIConfig, logger log.ILogger) Authenticator {
	if c.Username == "" {
		return &none{}
	}
	return &Basic{
		account: Account{
			Username: c.Username,
			Password: []byte(c.PasswordHash),
		},
		authCache: make(map[string]ValidateResponse),
		hashCost:  DefaultBcryptHashCost,
		logger:    logger,
	}
}

// Basic implements Authenticator with HTTP basic auth.
type Basic struct {
	account   Account
	authCache map[string]ValidateResponse

	hashCost int

	logger log.ILogger
	mu     sync.Mutex
}

// ValidateRequest should always take the same amount of
// time to run, even when username or password is invalid.
func (a *Basic) ValidateRequest(r *http.Request) ValidateResponse {
	req := r.Header.Get("Authorization")

	a.mu.Lock()
	if res, cached := a.authCache[req]; cached {
		a.mu.Unlock()
		return res
	}
	a.mu.Unlock()

	name, pass := parseBasicAuth(req)

	res := ValidateResponse{}
	if name != a.account.Username {
		// Generate fake hash to prevent timing based attacks.
		bcrypt.GenerateFromPassword([]byte(name), a.hashCost) //nolint:errcheck
	} else if passwordsMatch(a.account.Password, pass) {
		res = ValidateResponse{IsValid: true, User: a.account}
	}

	a.mu.Lock()
	a.authCache[req] = res
	a.mu.Unlock()
	return res
}

// AuthDisabled returns false.
func (a *Basic) AuthDisabled() bool { return false }

// User blocks unauthorized requests and prompts for login.
func (a *Basic) User(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.ValidateRequest(r)
		if !res.IsValid {
			if r.Header.Get("Authorization") != "" {
				username, _ := parseBasicAuth(r.Header.Get("Authorization"))
				LogFailedLogin(a.logger, r, username)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="instantreplay"`)
			http.Error(w, "Unauthorized.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type none struct{}

func (*none) ValidateRequest(*http.Request) ValidateResponse {
	return ValidateResponse{IsValid: true}
}

func (*none) AuthDisabled() bool { return true }

func (*none) User(next http.Handler) http.Handler { return next }

// Modified from net/http. Link:
// https://cs.opensource.google/go/go/+/refs/tags/go1.17.8:src/net/http/request.go;l=949
func parseBasicAuth(str string) (username, password string) {
	const prefix = "Basic "
	if len(str) < len(prefix) || !strings.EqualFold(str[:len(prefix)], prefix) {
		return
	}
	c, err := base64.StdEncoding.DecodeString(str[len(prefix):])
	if err != nil {
		return
	}
	cs := string(c)
	s := strings.IndexByte(cs, ':')
	if s < 0 {
		return
	}
	return cs[:s], cs[s+1:]
}

func passwordsMatch(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// ErrEmptyPassword empty password.
var ErrEmptyPassword = errors.New("password cannot be empty")

// HashPassword returns the bcrypt hash used in the api config.
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), DefaultBcryptHashCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// LogFailedLogin finds and logs the ip.
func LogFailedLogin(logger log.ILogger, r *http.Request, username string) {
	ip := ""
	realIP := r.Header.Get("X-Real-Ip")
	if realIP != "" {
		ip += "real:" + realIP + " "
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && forwarded != realIP {
		ip += "forwarded:" + forwarded + " "
	}
	remoteAddr := r.RemoteAddr
	if remoteAddr != "" && remoteAddr != forwarded {
		ip += "addr:" + remoteAddr
	}

	logger.Log(log.Entry{
		Level: log.LevelInfo,
		Src:   "auth",
		Msg:   fmt.Sprintf("failed login: username: %v %v", username, ip),
	})
}
