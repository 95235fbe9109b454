package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSet accepts a fixed set of static bearer tokens.
type TokenSet struct {
	mu     sync.RWMutex
	tokens map[[sha256.Size]byte]struct{}
}

// NewTokenSet creates a set holding tokens. Empty strings are ignored.
func NewTokenSet(tokens ...string) *TokenSet {
	s := &TokenSet{tokens: make(map[[sha256.Size]byte]struct{}, len(tokens))}
	for _, t := range tokens {
		s.Add(t)
	}
	return s
}

// Add adds a token to the set.
func (s *TokenSet) Add(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	s.tokens[sha256.Sum256([]byte(token))] = struct{}{}
	s.mu.Unlock()
}

// Remove revokes a token.
func (s *TokenSet) Remove(token string) {
	s.mu.Lock()
	delete(s.tokens, sha256.Sum256([]byte(token)))
	s.mu.Unlock()
}

// Contains reports whether token is in the set.
func (s *TokenSet) Contains(token string) bool {
	if token == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[sha256.Sum256([]byte(token))]
	return ok
}

// Len returns the number of tokens.
func (s *TokenSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Authenticate implements Authenticator. The principal id is a short hash of
// the token so logs never contain the token itself.
func (s *TokenSet) Authenticate(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	if !s.Contains(token) {
		return Principal{}, ErrInvalidToken
	}
	sum := sha256.Sum256([]byte(token))
	return Principal{ID: "token:" + hex.EncodeToString(sum[:4]), Method: "static"}, nil
}

// JWTVerifier authenticates HS256-signed JWTs, taking the principal from "sub".
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a verifier with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, now: time.Now}
}

// Verify validates tokenString and returns its subject.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate issues a token for subject that expires after expiresIn.
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Authenticate implements Authenticator.
func (v *JWTVerifier) Authenticate(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	sub, err := v.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ID: sub, Method: "jwt"}, nil
}

// Chain tries each authenticator in order and returns the first success.
type Chain []Authenticator

// Authenticate implements Authenticator. When every authenticator rejects the
// token the first rejection is returned.
func (c Chain) Authenticate(ctx context.Context, token string) (Principal, error) {
	if len(c) == 0 {
		return Principal{}, ErrInvalidToken
	}
	var first error
	for _, a := range c {
		p, err := a.Authenticate(ctx, token)
		if err == nil {
			return p, nil
		}
		if first == nil {
			first = err
		}
	}
	return Principal{}, first
}
