package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/ptero-auth/internal/util"
	"github.com/giantswarm/ptero-auth/storage"
)

// grantJSON is the immutable part of a grant
type grantJSON struct {
	ID          string            `json:"id"`
	Kind        storage.GrantKind `json:"kind"`
	ClientID    string            `json:"client_id"`
	UserName    string            `json:"user_name,omitempty"`
	Scopes      []string          `json:"scopes,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Code        string            `json:"code,omitempty"`
	RedirectURI string            `json:"redirect_uri,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

func decodeGrantJSON(data string) (*storage.Grant, error) {
	var g grantJSON
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	return &storage.Grant{
		ID:          g.ID,
		Kind:        g.Kind,
		ClientID:    g.ClientID,
		UserName:    g.UserName,
		Scopes:      g.Scopes,
		CreatedAt:   g.CreatedAt,
		Code:        g.Code,
		RedirectURI: g.RedirectURI,
		ExpiresAt:   g.ExpiresAt,
	}, nil
}

// SaveGrant persists a new grant and, for code grants, its code index.
// Grants carry no TTL; refresh tokens keep referring to them long after the
// code has expired.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	ctx, span := s.startStorageSpan(ctx, "save_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_grant", err, startTime)
	}()

	if grant == nil || grant.ID == "" {
		err = fmt.Errorf("grant ID cannot be empty")
		return err
	}
	if grant.Kind == storage.GrantKindAuthorizationCode && grant.Code == "" {
		err = fmt.Errorf("authorization code grant requires a code")
		return err
	}

	data, err := json.Marshal(grantJSON{
		ID:          grant.ID,
		Kind:        grant.Kind,
		ClientID:    grant.ClientID,
		UserName:    grant.UserName,
		Scopes:      grant.Scopes,
		CreatedAt:   grant.CreatedAt,
		Code:        grant.Code,
		RedirectURI: grant.RedirectURI,
		ExpiresAt:   grant.ExpiresAt,
	})
	if err != nil {
		err = fmt.Errorf("failed to marshal grant: %w", err)
		return err
	}

	keys := []string{s.grantKey(grant.ID), s.counterKey("grants")}
	if grant.Code != "" {
		keys = append(keys, s.codeKey(grant.Code))
	}
	args := []string{"0", grant.ID,
		"data", string(data),
		"active", encodeBool(grant.Active),
		"client_id", grant.ClientID,
		"redirect_uri", grant.RedirectURI,
		"expires", encodeInstant(grant.ExpiresAt),
		"deactivated_at", encodeTime(grant.DeactivatedAt),
	}

	reply, err := s.eval(ctx, luaInsertRecord, keys, args)
	if err != nil {
		err = fmt.Errorf("failed to save grant: %w", err)
		return err
	}
	if reply[0] == statusConflict {
		err = fmt.Errorf("%w: grant %s or its code already exists", storage.ErrConflict, grant.ID)
		return err
	}
	return nil
}

// GetGrant retrieves a grant by its ID
func (s *Store) GetGrant(ctx context.Context, grantID string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_grant", err, startTime)
	}()

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.grantKey(grantID)).Build()).AsStrMap()
	if err != nil {
		err = fmt.Errorf("failed to get grant: %w", err)
		return nil, err
	}
	if len(fields) == 0 {
		err = fmt.Errorf("%w: grant %s", storage.ErrNotFound, grantID)
		return nil, err
	}

	grant, err := decodeGrantJSON(fields["data"])
	if err != nil {
		return nil, err
	}
	grant.Active = fields["active"] == flagActive
	grant.DeactivatedAt, err = decodeTime(fields["deactivated_at"])
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// ConsumeAuthorizationCode redeems an authorization code exactly once.
// The whole check-and-set runs inside one Lua script.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	reply, err := s.eval(ctx, luaConsumeCode,
		[]string{s.codeKey(code)},
		[]string{s.grantKeyPrefix(), clientID, redirectURI, encodeInstant(now), encodeTime(now)})
	if err != nil {
		err = fmt.Errorf("failed to execute atomic code check: %w", err)
		return nil, err
	}

	switch reply[0] {
	case statusOK:
	case statusNotFound:
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	case statusAlreadyConsumed:
		s.logger.Warn("Authorization code reuse attempt",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
			"client_id", clientID)
		err = fmt.Errorf("%w: authorization code", storage.ErrAlreadyConsumed)
		return nil, err
	case statusExpired:
		err = fmt.Errorf("%w: authorization code", storage.ErrExpired)
		return nil, err
	case statusRedirectMismatch:
		err = storage.ErrRedirectMismatch
		return nil, err
	default:
		err = fmt.Errorf("unexpected code check reply: %s", reply[0])
		return nil, err
	}

	if len(reply) < 2 {
		err = fmt.Errorf("code check reply is missing the grant")
		return nil, err
	}
	grant, err := decodeGrantJSON(reply[1])
	if err != nil {
		return nil, err
	}
	grant.Active = false
	grant.DeactivatedAt = now

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return grant, nil
}
