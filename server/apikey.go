package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/giantswarm/ptero-auth/internal/util"
	"github.com/giantswarm/ptero-auth/providers"
	"github.com/giantswarm/ptero-auth/storage"
)

// Suffixes of user credentials
const (
	idSuffixAPIKey  = "k"
	idSuffixSubject = "sub"
)

// AuthenticateUser verifies a resource owner's password with the identity
// provider and returns the stored user, creating it with a fresh subject on
// first sight.
func (s *Server) AuthenticateUser(ctx context.Context, userName, password string) (*storage.User, error) {
	if userName == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrUserAuthenticationFailed)
	}
	if err := s.provider.Authenticate(ctx, userName, password); err != nil {
		if errors.Is(err, providers.ErrInvalidCredentials) || errors.Is(err, providers.ErrUnknownUser) {
			return nil, fmt.Errorf("%w: %w", ErrUserAuthenticationFailed, err)
		}
		return nil, fmt.Errorf("identity provider failed: %w", err)
	}

	user, err := s.store.GetOrCreateUser(ctx, userName, util.GenerateID(idSuffixSubject))
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// IssueAPIKey authenticates a resource owner and returns a new API key for
// the authorization endpoint. Only the key's digest is stored.
func (s *Server) IssueAPIKey(ctx context.Context, userName, password, clientIP string) (string, error) {
	user, err := s.AuthenticateUser(ctx, userName, password)
	if err != nil {
		s.Auditor.LogAuthFailure(ctx, userName, "", clientIP, "invalid_user_credentials")
		return "", err
	}

	key := util.GenerateID(idSuffixAPIKey)
	record := &storage.APIKey{
		Digest:    apiKeyDigest(key),
		UserName:  user.Name,
		Active:    true,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveAPIKey(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save api key: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordAPIKeyIssued(ctx)
	}
	s.Auditor.LogAPIKeyIssued(ctx, user.Name, clientIP)
	s.Logger.Info("Issued API key", "key_prefix", util.SafeTruncate(key, tokenLogLength))
	return key, nil
}

// ResolveAPIKey returns the owner of an active API key and records its use.
func (s *Server) ResolveAPIKey(ctx context.Context, key string) (*storage.User, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrAPIKeyInvalid)
	}
	record, err := s.store.UseAPIKey(ctx, apiKeyDigest(key), s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown or inactive api key", ErrAPIKeyInvalid)
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	user, err := s.store.GetUser(ctx, record.UserName)
	if err != nil {
		return nil, fmt.Errorf("failed to load owner of api key: %w", err)
	}
	return user, nil
}

// IsAdmin reports whether the identity provider lists the admin role for user
func (s *Server) IsAdmin(ctx context.Context, userName string) (bool, error) {
	data, err := s.provider.Claims(ctx, userName, []string{providers.ClaimRoles})
	if err != nil {
		return false, fmt.Errorf("failed to look up roles: %w", err)
	}
	switch roles := data[providers.ClaimRoles].(type) {
	case []string:
		return slices.Contains(roles, s.Config.AdminRole), nil
	case []any:
		for _, r := range roles {
			if role, ok := r.(string); ok && role == s.Config.AdminRole {
				return true, nil
			}
		}
	}
	return false, nil
}

func apiKeyDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
