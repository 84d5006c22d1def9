package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/ptero-auth/storage"
)

// accessTokenJSON is the immutable part of an access token
type accessTokenJSON struct {
	Token        string                  `json:"token"`
	Kind         storage.AccessTokenKind `json:"kind"`
	GrantID      string                  `json:"grant_id,omitempty"`
	RefreshToken string                  `json:"refresh_token,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	ExpiresAt    time.Time               `json:"expires_at"`
}

// refreshTokenJSON is the immutable part of a refresh token
type refreshTokenJSON struct {
	Token     string    `json:"token"`
	GrantID   string    `json:"grant_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// insertToken stores a token hash with a TTL covering its lifetime plus the
// retention window.
func (s *Store) insertToken(ctx context.Context, keys []string, indexValue string, data any, active bool, deactivatedAt, expiresAt time.Time) (bool, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("failed to marshal token: %w", err)
	}
	args := []string{formatMillis(s.tokenTTL(expiresAt)), indexValue,
		"data", string(raw),
		"active", encodeBool(active),
		"deactivated_at", encodeTime(deactivatedAt),
	}
	reply, err := s.eval(ctx, luaInsertRecord, keys, args)
	if err != nil {
		return false, err
	}
	return reply[0] == statusOK, nil
}

// getToken loads a token hash and decodes its data into v.
func (s *Store) getToken(ctx context.Context, key, what string, v any) (map[string]string, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, what)
	}
	if err := json.Unmarshal([]byte(fields["data"]), v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return fields, nil
}

// SaveAccessToken persists an access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("access token cannot be empty")
		return err
	}

	data := accessTokenJSON{
		Token:        token.Token,
		Kind:         token.Kind,
		GrantID:      token.GrantID,
		RefreshToken: token.RefreshToken,
		CreatedAt:    token.CreatedAt,
		ExpiresAt:    token.ExpiresAt,
	}
	keys := []string{s.accessTokenKey(token.Token), s.counterKey("tokens")}
	ok, err := s.insertToken(ctx, keys, token.Token, data, token.Active, token.DeactivatedAt, token.ExpiresAt)
	if err != nil {
		err = fmt.Errorf("failed to save access token: %w", err)
		return err
	}
	if !ok {
		err = fmt.Errorf("%w: access token", storage.ErrConflict)
		return err
	}
	return nil
}

// GetAccessToken retrieves an access token, active or not
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
	}()

	var data accessTokenJSON
	fields, err := s.getToken(ctx, s.accessTokenKey(token), "access token", &data)
	if err != nil {
		return nil, err
	}
	deactivatedAt, err := decodeTime(fields["deactivated_at"])
	if err != nil {
		return nil, err
	}
	return &storage.AccessToken{
		Token:         data.Token,
		Kind:          data.Kind,
		GrantID:       data.GrantID,
		RefreshToken:  data.RefreshToken,
		CreatedAt:     data.CreatedAt,
		ExpiresAt:     data.ExpiresAt,
		Active:        fields["active"] == flagActive,
		DeactivatedAt: deactivatedAt,
	}, nil
}

// DeactivateAccessToken flips the active flag of an access token
func (s *Store) DeactivateAccessToken(ctx context.Context, token string, at time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "deactivate_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "deactivate_access_token", err, startTime)
	}()

	err = s.deactivate(ctx, s.accessTokenKey(token), "access token", "", at)
	return err
}

// SaveRefreshToken persists a refresh token; a grant owns at most one.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("refresh token cannot be empty")
		return err
	}

	data := refreshTokenJSON{
		Token:     token.Token,
		GrantID:   token.GrantID,
		CreatedAt: token.CreatedAt,
		ExpiresAt: token.ExpiresAt,
	}
	keys := []string{s.refreshTokenKey(token.Token), s.counterKey("tokens"), s.refreshGrantKey(token.GrantID)}
	ok, err := s.insertToken(ctx, keys, token.Token, data, token.Active, token.DeactivatedAt, token.ExpiresAt)
	if err != nil {
		err = fmt.Errorf("failed to save refresh token: %w", err)
		return err
	}
	if !ok {
		err = fmt.Errorf("%w: refresh token or grant %s already has one", storage.ErrConflict, token.GrantID)
		return err
	}
	return nil
}

// GetRefreshToken retrieves a refresh token, active or not
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime)
	}()

	var data refreshTokenJSON
	fields, err := s.getToken(ctx, s.refreshTokenKey(token), "refresh token", &data)
	if err != nil {
		return nil, err
	}
	deactivatedAt, err := decodeTime(fields["deactivated_at"])
	if err != nil {
		return nil, err
	}
	return &storage.RefreshToken{
		Token:         data.Token,
		GrantID:       data.GrantID,
		CreatedAt:     data.CreatedAt,
		ExpiresAt:     data.ExpiresAt,
		Active:        fields["active"] == flagActive,
		DeactivatedAt: deactivatedAt,
	}, nil
}

// DeactivateRefreshToken flips the active flag of a refresh token
func (s *Store) DeactivateRefreshToken(ctx context.Context, token string, at time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "deactivate_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "deactivate_refresh_token", err, startTime)
	}()

	err = s.deactivate(ctx, s.refreshTokenKey(token), "refresh token", "", at)
	return err
}
