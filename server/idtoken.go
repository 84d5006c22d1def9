package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/ptero-auth/providers"
	"github.com/giantswarm/ptero-auth/security"
	"github.com/giantswarm/ptero-auth/storage"
)

// IDTokenRequest carries what the composer needs for one ID token.
type IDTokenRequest struct {
	// Encrypt wraps the signed token for Audience's registered key.
	Encrypt bool

	// Audience is the single resolved audience of a Public client request.
	Audience *storage.Client

	User        *storage.User
	Scopes      []string
	AccessToken string
}

// IDToken is a composed ID token and the audiences it names.
type IDToken struct {
	Token     string
	Audiences []string
	Encrypted bool
}

// IDTokenComposer aggregates claims across the audiences of a scope set,
// signs them and optionally encrypts the result.
type IDTokenComposer struct {
	scopes    *ScopeCatalog
	clients   storage.ClientStore
	provider  providers.IdentityProvider
	signer    *security.Signer
	issuer    string
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewIDTokenComposer creates an ID token composer
func NewIDTokenComposer(scopes *ScopeCatalog, clients storage.ClientStore, provider providers.IdentityProvider, signer *security.Signer, config *Config, logger *slog.Logger) *IDTokenComposer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IDTokenComposer{
		scopes:    scopes,
		clients:   clients,
		provider:  provider,
		signer:    signer,
		issuer:    config.Issuer,
		namespace: config.ClaimNamespace,
		ttl:       seconds(config.IDTokenTTL),
		logger:    logger,
	}
}

// Compose builds, signs and, when requested, encrypts an ID token. A failed
// claim lookup aborts composition with ErrClaimLookupFailed.
func (c *IDTokenComposer) Compose(ctx context.Context, req IDTokenRequest, now time.Time) (*IDToken, error) {
	if req.User == nil {
		return nil, fmt.Errorf("ID token requires a user")
	}

	audiences, err := c.resolveAudiences(ctx, req.Scopes)
	if err != nil {
		return nil, err
	}

	audienceIDs := make([]string, 0, len(audiences))
	for _, a := range audiences {
		audienceIDs = append(audienceIDs, a.ClientID)
	}

	claims := jwt.MapClaims{
		"iss":     c.issuer,
		"sub":     req.User.Subject,
		"aud":     audienceIDs,
		"iat":     now.Unix(),
		"exp":     now.Add(c.ttl).Unix(),
		"at_hash": security.AtHash(req.AccessToken),
	}

	data, err := c.claimData(ctx, req.User.Name, audiences)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		claims[c.namespace] = data
	}

	jws, err := c.signer.Sign(claims)
	if err != nil {
		return nil, err
	}
	if !req.Encrypt {
		return &IDToken{Token: jws, Audiences: audienceIDs}, nil
	}

	jwe, err := c.encrypt(jws, req.Audience, audienceIDs)
	if err != nil {
		return nil, err
	}
	return &IDToken{Token: jwe, Audiences: audienceIDs, Encrypted: true}, nil
}

// resolveAudiences loads the active audience clients of scopes, deduplicated
// by client id. Scopes without an audience and deactivated audiences
// contribute nothing.
func (c *IDTokenComposer) resolveAudiences(ctx context.Context, scopes []string) ([]*storage.Client, error) {
	ids, unresolved, err := c.scopes.Audiences(ctx, scopes)
	if err != nil {
		return nil, err
	}
	if len(unresolved) > 0 {
		c.logger.Warn("Granted scopes have no audience client",
			"scopes", unresolved)
	}

	audiences := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		client, err := c.clients.GetClient(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Error("Audience client of a granted scope does not exist", "client_id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load audience client: %w", err)
		}
		if !client.Active {
			c.logger.Warn("Skipping inactive audience client", "client_id", id)
			continue
		}
		audiences = append(audiences, client)
	}
	return audiences, nil
}

// claimData fetches the union of the audiences' claim fields in one
// identity provider call.
func (c *IDTokenComposer) claimData(ctx context.Context, userName string, audiences []*storage.Client) (map[string]any, error) {
	var fields []string
	for _, a := range audiences {
		for _, field := range a.AudienceClaims {
			if !slices.Contains(fields, field) {
				fields = append(fields, field)
			}
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	slices.Sort(fields)

	data, err := c.provider.Claims(ctx, userName, fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClaimLookupFailed, err)
	}
	for _, field := range fields {
		if _, ok := data[field]; !ok {
			return nil, fmt.Errorf("%w: provider omitted %q", ErrClaimLookupFailed, field)
		}
	}
	return data, nil
}

// encrypt wraps jws for the single audience of a Public client token.
func (c *IDTokenComposer) encrypt(jws string, audience *storage.Client, audienceIDs []string) (string, error) {
	if audience == nil || len(audienceIDs) != 1 || audienceIDs[0] != audience.ClientID {
		return "", fmt.Errorf("encrypted ID token requires exactly one audience, got %d", len(audienceIDs))
	}
	key := audience.PublicKey
	if key == nil {
		return "", fmt.Errorf("audience client %s has no encryption key", audience.ClientID)
	}
	encrypter, err := security.NewJWEEncrypter(key.PEM, key.KeyID, key.Algorithm, key.Encryption)
	if err != nil {
		return "", fmt.Errorf("failed to prepare ID token encryption: %w", err)
	}
	return encrypter.Encrypt(jws)
}
