package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User is the authenticated caller extracted from a JWT.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// JWTVerifier validates bearer tokens against a JWKS endpoint. Keys are
// cached and refreshed in the background so token verification never blocks
// on network I/O.
type JWTVerifier struct {
	jwksURL    string
	cache      *jwk.Cache
	refreshTTL time.Duration

	mu     sync.RWMutex
	keySet jwk.Set
}

// NewJWTVerifier creates a verifier and warms the key cache.
func NewJWTVerifier(jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	keySet, err := cache.Get(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.refreshLoop()
	return v, nil
}

func (v *JWTVerifier) refreshLoop() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.cache.Get(ctx, v.jwksURL)
		cancel()
		if err != nil {
			continue // retry on next tick
		}
		v.mu.Lock()
		v.keySet = keySet
		v.mu.Unlock()
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// UserFromRequest extracts and validates the JWT from the request.
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}

	return &User{ID: userID, Email: email}, nil
}

// Middleware returns a gin middleware that rejects requests without a valid
// bearer token and stores the caller under the "user" key.
func (v *JWTVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}
