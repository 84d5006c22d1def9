package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/ptero-auth/storage"
)

// GetOrCreateUser returns the named user, creating it if needed
func (s *Store) GetOrCreateUser(ctx context.Context, name, subject string) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "get_or_create_user")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_or_create_user", err, startTime)
	}()

	if name == "" || subject == "" {
		err = fmt.Errorf("user name and subject cannot be empty")
		return nil, err
	}

	reply, err := s.eval(ctx, luaGetOrCreateUser,
		[]string{s.userKey(name), s.subjectKey(subject)},
		[]string{name, subject, encodeTime(time.Now())})
	if err != nil {
		err = fmt.Errorf("failed to get or create user: %w", err)
		return nil, err
	}
	if reply[0] == statusConflict {
		err = fmt.Errorf("%w: subject already assigned", storage.ErrConflict)
		return nil, err
	}
	if reply[0] != statusOK || len(reply) < 3 {
		err = fmt.Errorf("unexpected user reply: %v", reply)
		return nil, err
	}

	createdAt, err := decodeTime(reply[2])
	if err != nil {
		return nil, err
	}
	return &storage.User{Name: name, Subject: reply[1], CreatedAt: createdAt}, nil
}

// GetUser retrieves a user by name
func (s *Store) GetUser(ctx context.Context, name string) (*storage.User, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.userKey(name)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, name)
	}
	createdAt, err := decodeTime(fields["created_at"])
	if err != nil {
		return nil, err
	}
	return &storage.User{Name: name, Subject: fields["subject"], CreatedAt: createdAt}, nil
}

// SaveAPIKey persists a new API key
func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) error {
	ctx, span := s.startStorageSpan(ctx, "save_api_key")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_api_key", err, startTime)
	}()

	if key == nil || key.Digest == "" {
		err = fmt.Errorf("api key digest cannot be empty")
		return err
	}

	reply, err := s.eval(ctx, luaSaveAPIKey,
		[]string{s.apiKeyKey(key.Digest), s.userKey(key.UserName)},
		[]string{
			"user", key.UserName,
			"active", encodeBool(key.Active),
			"created_at", encodeTime(key.CreatedAt),
			"usage_count", strconv.FormatInt(key.UsageCount, 10),
			"last_used", encodeTime(key.LastUsed),
		})
	if err != nil {
		err = fmt.Errorf("failed to save api key: %w", err)
		return err
	}

	switch reply[0] {
	case statusOK:
		return nil
	case statusUserNotFound:
		err = fmt.Errorf("%w: user %s", storage.ErrNotFound, key.UserName)
	case statusConflict:
		err = fmt.Errorf("%w: api key", storage.ErrConflict)
	default:
		err = fmt.Errorf("unexpected api key reply: %s", reply[0])
	}
	return err
}

// UseAPIKey resolves an active key and records its usage
func (s *Store) UseAPIKey(ctx context.Context, digest string, at time.Time) (*storage.APIKey, error) {
	ctx, span := s.startStorageSpan(ctx, "use_api_key")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "use_api_key", err, startTime)
	}()

	reply, err := s.eval(ctx, luaUseAPIKey, []string{s.apiKeyKey(digest)}, []string{encodeTime(at)})
	if err != nil {
		err = fmt.Errorf("failed to use api key: %w", err)
		return nil, err
	}
	if reply[0] == statusNotFound {
		err = fmt.Errorf("%w: api key", storage.ErrNotFound)
		return nil, err
	}
	if reply[0] != statusOK || len(reply) < 4 {
		err = fmt.Errorf("unexpected api key reply: %v", reply)
		return nil, err
	}

	createdAt, err := decodeTime(reply[2])
	if err != nil {
		return nil, err
	}
	count, err := strconv.ParseInt(reply[3], 10, 64)
	if err != nil {
		err = fmt.Errorf("invalid api key usage count: %w", err)
		return nil, err
	}
	return &storage.APIKey{
		Digest:     digest,
		UserName:   reply[1],
		Active:     true,
		CreatedAt:  createdAt,
		UsageCount: count,
		LastUsed:   at,
	}, nil
}
