package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// StaticVerifier resolves tokens from a fixed table. It backs development
// deployments, the load-test harness and tests.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]types.Identity
}

func NewStaticVerifier(tokens map[string]types.Identity) *StaticVerifier {
	v := &StaticVerifier{tokens: make(map[string]types.Identity, len(tokens))}
	for token, id := range tokens {
		v.tokens[token] = id
	}
	return v
}

// Add registers or replaces a token.
func (v *StaticVerifier) Add(token string, id types.Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = id
}

func (v *StaticVerifier) VerifyToken(_ context.Context, token string) (*types.Identity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.tokens[token]
	if !ok {
		return nil, interfaces.ErrInvalidToken
	}
	return &id, nil
}

// HTTPVerifier posts the token to an introspection endpoint owned by the
// auth/session collaborator and decodes the returned identity.
type HTTPVerifier struct {
	url    string
	client *http.Client
}

func NewHTTPVerifier(url string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (v *HTTPVerifier) VerifyToken(ctx context.Context, token string) (*types.Identity, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, interfaces.ErrInvalidToken
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("introspection returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var id types.Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&id); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}
	if id.UserID == "" || id.OrganizationID == "" {
		return nil, interfaces.ErrInvalidToken
	}
	return &id, nil
}
