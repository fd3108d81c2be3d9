package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/satriahrh/candra/internal/state"
)

// charactersResponse mirrors the catalog endpoint payload.
type charactersResponse struct {
	Characters []state.Character `json:"characters"`
}

// authRequest is the token issuance request body.
type authRequest struct {
	UserID string `json:"user_id"`
}

// authResponse mirrors the auth endpoint payload.
type authResponse struct {
	Token string `json:"token"`
}

// FetchToken obtains a session token for the given user over HTTP.
func FetchToken(ctx context.Context, baseURL, userID string) (string, error) {
	body, err := json.Marshal(authRequest{UserID: userID})
	if err != nil {
		return "", fmt.Errorf("encode auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/auth", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}

	var payload authResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("auth endpoint returned no token")
	}
	return payload.Token, nil
}

// FetchCharacters retrieves the selectable character catalog over HTTP.
func FetchCharacters(ctx context.Context, baseURL, token string) ([]state.Character, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/characters", nil)
	if err != nil {
		return nil, fmt.Errorf("build characters request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch characters: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("characters endpoint returned %d", resp.StatusCode)
	}

	var payload charactersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode characters response: %w", err)
	}
	return payload.Characters, nil
}
