package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/ptero-auth/storage"
)

// clientJSON is the immutable part of a client registration
type clientJSON struct {
	ClientID           string         `json:"client_id"`
	Name               string         `json:"name"`
	CreatedBy          string         `json:"created_by"`
	CreatedAt          time.Time      `json:"created_at"`
	AllowedScopes      []string       `json:"allowed_scopes,omitempty"`
	DefaultScopes      []string       `json:"default_scopes,omitempty"`
	AudienceFor        []string       `json:"audience_for,omitempty"`
	AudienceClaims     []string       `json:"audience_claims,omitempty"`
	PublicKey          *publicKeyJSON `json:"public_key,omitempty"`
	SecretHash         string         `json:"secret_hash"`
	RedirectURIRegex   string         `json:"redirect_uri_regex"`
	DefaultRedirectURI string         `json:"default_redirect_uri,omitempty"`
}

type publicKeyJSON struct {
	KeyID      string `json:"kid"`
	PEM        string `json:"pem"`
	Algorithm  string `json:"alg,omitempty"`
	Encryption string `json:"enc,omitempty"`
}

func toClientJSON(c *storage.Client) clientJSON {
	out := clientJSON{
		ClientID:           c.ClientID,
		Name:               c.Name,
		CreatedBy:          c.CreatedBy,
		CreatedAt:          c.CreatedAt,
		AllowedScopes:      c.AllowedScopes,
		DefaultScopes:      c.DefaultScopes,
		AudienceFor:        c.AudienceFor,
		AudienceClaims:     c.AudienceClaims,
		SecretHash:         c.Confidential.SecretHash,
		RedirectURIRegex:   c.Confidential.RedirectURIRegex,
		DefaultRedirectURI: c.Confidential.DefaultRedirectURI,
	}
	if c.PublicKey != nil {
		out.PublicKey = &publicKeyJSON{
			KeyID:      c.PublicKey.KeyID,
			PEM:        c.PublicKey.PEM,
			Algorithm:  c.PublicKey.Algorithm,
			Encryption: c.PublicKey.Encryption,
		}
	}
	return out
}

// decodeClient rebuilds a client from its hash fields.
func decodeClient(fields map[string]string) (*storage.Client, error) {
	var data clientJSON
	if err := json.Unmarshal([]byte(fields["data"]), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	deactivatedAt, err := decodeTime(fields["deactivated_at"])
	if err != nil {
		return nil, err
	}

	client := &storage.Client{
		Kind:           storage.ClientKindConfidential,
		ClientID:       data.ClientID,
		Name:           data.Name,
		Active:         fields["active"] == flagActive,
		CreatedBy:      data.CreatedBy,
		CreatedAt:      data.CreatedAt,
		DeactivatedBy:  fields["deactivated_by"],
		DeactivatedAt:  deactivatedAt,
		AllowedScopes:  data.AllowedScopes,
		DefaultScopes:  data.DefaultScopes,
		AudienceFor:    data.AudienceFor,
		AudienceClaims: data.AudienceClaims,
		Confidential: &storage.ConfidentialClient{
			SecretHash:         data.SecretHash,
			RedirectURIRegex:   data.RedirectURIRegex,
			DefaultRedirectURI: data.DefaultRedirectURI,
		},
	}
	if data.PublicKey != nil {
		client.PublicKey = &storage.EncryptionKey{
			KeyID:      data.PublicKey.KeyID,
			PEM:        data.PublicKey.PEM,
			Algorithm:  data.PublicKey.Algorithm,
			Encryption: data.PublicKey.Encryption,
		}
	}
	return client, nil
}

// ============================================================
// ClientStore
// ============================================================

// CreateClient inserts a client and claims its audience scopes atomically.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "create_client", err, startTime)
	}()

	if client == nil {
		err = fmt.Errorf("client cannot be nil")
		return err
	}
	if client.ClientID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}
	if !client.IsConfidential() {
		err = fmt.Errorf("only confidential clients are persisted")
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		err = fmt.Errorf("failed to marshal client: %w", err)
		return err
	}

	args := []string{client.ClientID, string(data), encodeBool(client.Active), strconv.Itoa(len(client.AudienceFor))}
	args = append(args, client.AudienceFor...)
	args = append(args, client.AllowedScopes...)
	args = append(args, client.DefaultScopes...)

	reply, err := s.eval(ctx, luaCreateClient,
		[]string{s.clientKey(client.ClientID), s.scopesKey(), s.clientSetKey()}, args)
	if err != nil {
		err = fmt.Errorf("failed to create client: %w", err)
		return err
	}

	switch reply[0] {
	case statusOK:
	case statusConflict:
		if len(reply) > 1 && reply[1] != "client" {
			err = fmt.Errorf("%w: scope %q already has an audience", storage.ErrConflict, reply[1])
		} else {
			err = fmt.Errorf("%w: client %s already exists", storage.ErrConflict, client.ClientID)
		}
		return err
	default:
		err = fmt.Errorf("unexpected create client reply: %s", reply[0])
		return err
	}

	s.logger.Debug("Stored client", "client_id", client.ClientID, "audience_for", client.AudienceFor)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.clientKey(clientID)).Build()).AsStrMap()
	if err != nil {
		err = fmt.Errorf("failed to get client: %w", err)
		return nil, err
	}
	if len(fields) == 0 {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return nil, err
	}

	client, err := decodeClient(fields)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ListClients lists all registered clients sorted by ID, inactive ones included.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "list_clients", err, startTime)
	}()

	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientSetKey()).Build()).AsStrSlice()
	if err != nil {
		err = fmt.Errorf("failed to list clients: %w", err)
		return nil, err
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return []*storage.Client{}, nil
	}

	cmds := make(valkeygo.Commands, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, s.client.B().Hgetall().Key(s.clientKey(id)).Build())
	}

	clients := make([]*storage.Client, 0, len(ids))
	for i, result := range s.client.DoMulti(ctx, cmds...) {
		fields, rerr := result.AsStrMap()
		if rerr != nil {
			err = fmt.Errorf("failed to get client %s: %w", ids[i], rerr)
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		client, derr := decodeClient(fields)
		if derr != nil {
			err = derr
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// DeactivateClient soft-deletes a client with a conditional update on its active flag.
func (s *Store) DeactivateClient(ctx context.Context, clientID, deactivatedBy string, at time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "deactivate_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "deactivate_client", err, startTime)
	}()

	err = s.deactivate(ctx, s.clientKey(clientID), "client "+clientID, deactivatedBy, at)
	return err
}

// deactivate runs the active flag compare-and-swap on a record hash.
func (s *Store) deactivate(ctx context.Context, key, what, by string, at time.Time) error {
	reply, err := s.eval(ctx, luaDeactivate, []string{key}, []string{encodeTime(at), by})
	if err != nil {
		return fmt.Errorf("failed to deactivate %s: %w", what, err)
	}
	switch reply[0] {
	case statusOK:
		return nil
	case statusNotFound:
		return fmt.Errorf("%w: %s", storage.ErrNotFound, what)
	case statusAlreadyConsumed:
		return fmt.Errorf("%w: %s", storage.ErrAlreadyConsumed, what)
	default:
		return fmt.Errorf("unexpected deactivate reply: %s", reply[0])
	}
}

// ============================================================
// ScopeStore
// ============================================================

// EnsureScopes adds any missing scope values to the catalog
func (s *Store) EnsureScopes(ctx context.Context, values []string) error {
	if len(values) == 0 {
		return nil
	}
	cmds := make(valkeygo.Commands, 0, len(values))
	for _, v := range values {
		cmds = append(cmds, s.client.B().Hsetnx().Key(s.scopesKey()).Field(v).Value("").Build())
	}
	for _, result := range s.client.DoMulti(ctx, cmds...) {
		if err := result.Error(); err != nil {
			return fmt.Errorf("failed to ensure scopes: %w", err)
		}
	}
	return nil
}

// ListScopes returns the scope catalog sorted by value
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.scopesKey()).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	scopes := make([]*storage.Scope, 0, len(fields))
	for value, audience := range fields {
		scopes = append(scopes, &storage.Scope{Value: value, AudienceClientID: audience})
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Value < scopes[j].Value })
	return scopes, nil
}

// AudienceFor resolves the audience client of a scope
func (s *Store) AudienceFor(ctx context.Context, scope string) (string, error) {
	ctx, span := s.startStorageSpan(ctx, "audience_for")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "audience_for", err, startTime)
	}()

	audience, err := s.client.Do(ctx, s.client.B().Hget().Key(s.scopesKey()).Field(scope).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			err = fmt.Errorf("%w: scope %q", storage.ErrNotFound, scope)
			return "", err
		}
		err = fmt.Errorf("failed to get scope audience: %w", err)
		return "", err
	}
	if audience == "" {
		err = fmt.Errorf("%w: scope %q has no audience", storage.ErrNotFound, scope)
		return "", err
	}
	return audience, nil
}
