package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
)

// NewGmailClient builds an OAuth-authenticated HTTP client from the client
// secret at credentialsFile and the cached token at tokenFile. Tokens are
// refreshed automatically; a refreshed token is written back to tokenFile so
// the refresh survives restarts. Token acquisition itself (the interactive
// consent flow) is out of scope: the token file must already exist.
func NewGmailClient(ctx context.Context, credentialsFile, tokenFile string) (*http.Client, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials at %s: %w", credentialsFile, err)
	}

	cfg, err := google.ConfigFromJSON(b, gmailv1.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth config: %w", err)
	}

	tok, err := ReadToken(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token at %s: %w", tokenFile, err)
	}

	src := &persistingTokenSource{
		src:  cfg.TokenSource(ctx, tok),
		path: tokenFile,
		last: tok,
	}
	return oauth2.NewClient(ctx, src), nil
}

// persistingTokenSource writes refreshed tokens back to disk.
type persistingTokenSource struct {
	src  oauth2.TokenSource
	path string

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || tok.AccessToken != s.last.AccessToken {
		s.last = tok
		if err := SaveToken(s.path, tok); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
	}
	return tok, nil
}

// ReadToken loads an OAuth token from a JSON file.
func ReadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// SaveToken writes an OAuth token to a JSON file atomically.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		f.Close()
		return err
	}
	f.Close()
	return os.Rename(tmp, path)
}
