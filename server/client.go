package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/ptero-auth/internal/util"
	"github.com/giantswarm/ptero-auth/security"
	"github.com/giantswarm/ptero-auth/storage"
)

// Response types accepted at the authorization endpoint, in normalized form
// (space separated, sorted).
const (
	ResponseTypeCode         = "code"
	ResponseTypeToken        = "token"
	ResponseTypeIDTokenToken = "id_token token"
)

// Grant types accepted at the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

var knownGrantTypes = []string{
	GrantTypeAuthorizationCode,
	GrantTypeClientCredentials,
	GrantTypeRefreshToken,
}

// Suffixes of generated identifiers
const (
	idSuffixClientID     = "ci"
	idSuffixClientSecret = "cs"
	idSuffixGrant        = "gr"
)

// clientCapabilities is the fixed behaviour of one client variant.
type clientCapabilities struct {
	requiresAuthentication    bool
	requiresIDTokenEncryption bool
	responseTypes             []string
	grantTypes                []string

	// validateScopes checks a requested scope set and returns the audience
	// client the set resolves to, if the variant needs one.
	validateScopes func(ctx context.Context, r *ClientRegistry, client *storage.Client, scopes []string) (*storage.Client, error)

	// redirectPolicy returns the client whose redirect pattern and default
	// redirect URI apply to requests made by client.
	redirectPolicy func(client, audience *storage.Client) *storage.Client
}

var (
	confidentialCapabilities = clientCapabilities{
		requiresAuthentication:    true,
		requiresIDTokenEncryption: false,
		responseTypes:             []string{ResponseTypeCode},
		grantTypes:                knownGrantTypes,
		validateScopes:            validateConfidentialScopes,
		redirectPolicy: func(client, _ *storage.Client) *storage.Client {
			return client
		},
	}

	publicCapabilities = clientCapabilities{
		requiresAuthentication:    false,
		requiresIDTokenEncryption: true,
		responseTypes:             []string{ResponseTypeToken, ResponseTypeIDTokenToken},
		grantTypes:                nil,
		validateScopes:            validatePublicScopes,
		redirectPolicy: func(_, audience *storage.Client) *storage.Client {
			return audience
		},
	}
)

// capabilitiesFor returns the capability table entry for kind
func capabilitiesFor(kind storage.ClientKind) (clientCapabilities, error) {
	switch kind {
	case storage.ClientKindConfidential:
		return confidentialCapabilities, nil
	case storage.ClientKindPublic:
		return publicCapabilities, nil
	default:
		return clientCapabilities{}, fmt.Errorf("unknown client kind %d", kind)
	}
}

func validateConfidentialScopes(_ context.Context, _ *ClientRegistry, client *storage.Client, scopes []string) (*storage.Client, error) {
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: no scopes requested", ErrInvalidScopeSet)
	}
	if !util.IsSubset(scopes, client.AllowedScopes) {
		return nil, fmt.Errorf("%w: requested scopes exceed the allowed set", ErrInvalidScopeSet)
	}
	return nil, nil
}

// validatePublicScopes accepts {s} or {s, openid} where exactly one active
// Confidential client is the audience of s.
func validatePublicScopes(ctx context.Context, r *ClientRegistry, _ *storage.Client, scopes []string) (*storage.Client, error) {
	if len(scopes) != 1 && len(scopes) != 2 {
		return nil, fmt.Errorf("%w: public clients request one resource scope", ErrInvalidScopeSet)
	}
	rest := util.Without(scopes, ScopeOpenID)
	if len(rest) != 1 {
		return nil, fmt.Errorf("%w: public clients request one resource scope plus optional openid", ErrInvalidScopeSet)
	}

	audienceID, ok, err := r.scopes.Audience(ctx, rest[0])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: scope %q has no audience", ErrInvalidScopeSet, rest[0])
	}
	audience, err := r.store.GetClient(ctx, audienceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: audience of scope %q is not registered", ErrInvalidScopeSet, rest[0])
		}
		return nil, fmt.Errorf("failed to load audience client: %w", err)
	}
	if !audience.Active || !audience.IsConfidential() {
		return nil, fmt.Errorf("%w: audience of scope %q is inactive", ErrInvalidScopeSet, rest[0])
	}
	if slices.Contains(scopes, ScopeOpenID) && audience.PublicKey == nil {
		return nil, fmt.Errorf("%w: audience of scope %q has no encryption key", ErrInvalidScopeSet, rest[0])
	}
	return audience, nil
}

// ClientRegistry looks up clients and answers validation questions about
// them through the per-variant capability table.
type ClientRegistry struct {
	store  storage.ClientStore
	scopes *ScopeCatalog
	logger *slog.Logger

	// bcryptCost is lowered by tests
	bcryptCost int
}

// NewClientRegistry creates a client registry
func NewClientRegistry(store storage.ClientStore, scopes *ScopeCatalog, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientRegistry{
		store:      store,
		scopes:     scopes,
		logger:     logger,
		bcryptCost: bcrypt.DefaultCost,
	}
}

// Lookup resolves a client id. Registered clients must be active. Any other
// non-empty id names a Public client, which is never persisted.
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrClientNotFound)
	}

	client, err := r.store.GetClient(ctx, clientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &storage.Client{
			Kind:     storage.ClientKindPublic,
			ClientID: clientID,
			Active:   true,
		}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up client: %w", err)
	case !client.Active:
		return nil, fmt.Errorf("%w: client %s is inactive", ErrClientNotFound, clientID)
	}
	return client, nil
}

// ValidateScopeSet checks a requested scope set against the client. For
// Public clients the resolved audience client is returned.
func (r *ClientRegistry) ValidateScopeSet(ctx context.Context, client *storage.Client, scopes []string) (*storage.Client, error) {
	caps, err := capabilitiesFor(client.Kind)
	if err != nil {
		return nil, err
	}
	return caps.validateScopes(ctx, r, client, util.NormalizeScopes(scopes))
}

// ValidateRedirectURI matches uri against the redirect pattern that governs
// client. Public clients borrow the pattern of their audience.
func (r *ClientRegistry) ValidateRedirectURI(client, audience *storage.Client, uri string) error {
	policy, err := r.redirectPolicy(client, audience)
	if err != nil {
		return err
	}
	if uri == "" {
		return fmt.Errorf("%w: redirect_uri is required", ErrInvalidRedirectURI)
	}
	re, err := compileRedirectPattern(policy.Confidential.RedirectURIRegex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err)
	}
	if !re.MatchString(uri) {
		return fmt.Errorf("%w: redirect_uri not permitted for client", ErrInvalidRedirectURI)
	}
	return nil
}

// DefaultRedirectURI returns the redirect URI used when a request omits one
func (r *ClientRegistry) DefaultRedirectURI(client, audience *storage.Client) string {
	policy, err := r.redirectPolicy(client, audience)
	if err != nil {
		return ""
	}
	return policy.Confidential.DefaultRedirectURI
}

func (r *ClientRegistry) redirectPolicy(client, audience *storage.Client) (*storage.Client, error) {
	caps, err := capabilitiesFor(client.Kind)
	if err != nil {
		return nil, err
	}
	policy := caps.redirectPolicy(client, audience)
	if policy == nil || !policy.IsConfidential() {
		return nil, fmt.Errorf("%w: no redirect policy for client", ErrInvalidRedirectURI)
	}
	return policy, nil
}

// ValidateResponseType checks a raw response_type against the client variant
// and returns its normalized form.
func (r *ClientRegistry) ValidateResponseType(client *storage.Client, responseType string) (string, error) {
	caps, err := capabilitiesFor(client.Kind)
	if err != nil {
		return "", err
	}
	normalized := NormalizeResponseType(responseType)
	if normalized == "" {
		return "", fmt.Errorf("%w: response_type is required", ErrInvalidRequest)
	}
	if !slices.Contains(caps.responseTypes, normalized) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedResponseType, responseType)
	}
	return normalized, nil
}

// ValidateGrantType checks grantType against the client variant.
func (r *ClientRegistry) ValidateGrantType(client *storage.Client, grantType string) error {
	if grantType == "" {
		return fmt.Errorf("%w: grant_type is required", ErrInvalidRequest)
	}
	if !slices.Contains(knownGrantTypes, grantType) {
		return fmt.Errorf("%w: %q", ErrUnsupportedGrantType, grantType)
	}
	caps, err := capabilitiesFor(client.Kind)
	if err != nil {
		return err
	}
	if !slices.Contains(caps.grantTypes, grantType) {
		return fmt.Errorf("%w: %s clients cannot use %s", ErrUnauthorizedClient, client.Kind, grantType)
	}
	return nil
}

// RequiresAuthentication reports whether client must present its secret
func (r *ClientRegistry) RequiresAuthentication(client *storage.Client) bool {
	caps, err := capabilitiesFor(client.Kind)
	return err != nil || caps.requiresAuthentication
}

// RequiresIDTokenEncryption reports whether ID tokens issued to client are
// encrypted for its audience
func (r *ClientRegistry) RequiresIDTokenEncryption(client *storage.Client) bool {
	caps, err := capabilitiesFor(client.Kind)
	return err == nil && caps.requiresIDTokenEncryption
}

// Authenticate verifies a presented client secret. The bcrypt comparison is
// constant-time with respect to the secret.
func (r *ClientRegistry) Authenticate(client *storage.Client, secret string) error {
	if !client.IsConfidential() || !client.Active {
		return fmt.Errorf("%w: client cannot authenticate", ErrClientAuthenticationFailed)
	}
	if secret == "" {
		return fmt.Errorf("%w: client secret is required", ErrClientAuthenticationFailed)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.Confidential.SecretHash), []byte(secret)); err != nil {
		return fmt.Errorf("%w: invalid client secret", ErrClientAuthenticationFailed)
	}
	return nil
}

// DefaultScopes returns the scopes used when a request omits scope
func (r *ClientRegistry) DefaultScopes(client *storage.Client) []string {
	return slices.Clone(client.DefaultScopes)
}

// RegistrationRequest describes a Confidential client to register.
type RegistrationRequest struct {
	Name               string
	RedirectURIRegex   string
	DefaultRedirectURI string
	AllowedScopes      []string
	DefaultScopes      []string
	AudienceFor        []string
	AudienceClaims     []string
	PublicKey          *storage.EncryptionKey
}

// Register validates req, stores a new Confidential client and claims its
// audience scopes. The plaintext secret is returned once and only its bcrypt
// hash is stored. A scope already claimed by another client yields
// storage.ErrConflict.
func (r *ClientRegistry) Register(ctx context.Context, req RegistrationRequest, createdBy string, now time.Time) (*storage.Client, string, error) {
	client, err := r.buildClient(req)
	if err != nil {
		return nil, "", err
	}

	secret := util.GenerateID(idSuffixClientSecret)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
	}

	client.ClientID = util.GenerateID(idSuffixClientID)
	client.Confidential.SecretHash = string(hash)
	client.CreatedBy = createdBy
	client.CreatedAt = now.UTC().Truncate(time.Second)

	if err := r.store.CreateClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	r.logger.Info("Registered confidential client",
		"client_id", client.ClientID,
		"client_name", client.Name,
		"audience_for", client.AudienceFor,
		"created_by", createdBy)
	return client, secret, nil
}

// Deactivate soft-deletes a Confidential client
func (r *ClientRegistry) Deactivate(ctx context.Context, clientID, deactivatedBy string, now time.Time) error {
	if err := r.store.DeactivateClient(ctx, clientID, deactivatedBy, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
		}
		return fmt.Errorf("failed to deactivate client: %w", err)
	}
	r.logger.Info("Deactivated client", "client_id", clientID, "deactivated_by", deactivatedBy)
	return nil
}

func (r *ClientRegistry) buildClient(req RegistrationRequest) (*storage.Client, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidClientMetadata)
	}
	if req.RedirectURIRegex == "" {
		return nil, fmt.Errorf("%w: redirect_uri_regex is required", ErrInvalidClientMetadata)
	}
	re, err := compileRedirectPattern(req.RedirectURIRegex)
	if err != nil {
		return nil, fmt.Errorf("%w: redirect_uri_regex: %v", ErrInvalidClientMetadata, err)
	}
	if req.DefaultRedirectURI == "" || !re.MatchString(req.DefaultRedirectURI) {
		return nil, fmt.Errorf("%w: default_redirect_uri must match redirect_uri_regex", ErrInvalidClientMetadata)
	}
	if err := validateRedirectTarget(req.DefaultRedirectURI); err != nil {
		return nil, fmt.Errorf("%w: default_redirect_uri: %v", ErrInvalidClientMetadata, err)
	}

	allowed := util.NormalizeScopes(req.AllowedScopes)
	defaults := util.NormalizeScopes(req.DefaultScopes)
	audienceFor := util.NormalizeScopes(req.AudienceFor)
	claims := util.NormalizeScopes(req.AudienceClaims)

	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: allowed_scopes is required", ErrInvalidClientMetadata)
	}
	if !util.IsSubset(defaults, allowed) {
		return nil, fmt.Errorf("%w: default_scopes must be a subset of allowed_scopes", ErrInvalidClientMetadata)
	}
	if !util.IsSubset(audienceFor, allowed) {
		return nil, fmt.Errorf("%w: audience_for must be a subset of allowed_scopes", ErrInvalidClientMetadata)
	}
	if slices.Contains(audienceFor, ScopeOpenID) {
		return nil, fmt.Errorf("%w: openid cannot have an audience", ErrInvalidClientMetadata)
	}
	for _, claim := range claims {
		if claim != storage.ClaimPosix && claim != storage.ClaimRoles {
			return nil, fmt.Errorf("%w: unknown audience claim %q", ErrInvalidClientMetadata, claim)
		}
	}

	key, err := normalizeEncryptionKey(req.PublicKey)
	if err != nil {
		return nil, err
	}

	return &storage.Client{
		Kind:           storage.ClientKindConfidential,
		Name:           req.Name,
		Active:         true,
		AllowedScopes:  allowed,
		DefaultScopes:  defaults,
		AudienceFor:    audienceFor,
		AudienceClaims: claims,
		PublicKey:      key,
		Confidential: &storage.ConfidentialClient{
			RedirectURIRegex:   req.RedirectURIRegex,
			DefaultRedirectURI: req.DefaultRedirectURI,
		},
	}, nil
}

// normalizeEncryptionKey checks the PEM and algorithms of a registered key.
// The key id defaults to the key fingerprint.
func normalizeEncryptionKey(key *storage.EncryptionKey) (*storage.EncryptionKey, error) {
	if key == nil {
		return nil, nil
	}
	pub, err := security.ParseRSAPublicKey([]byte(key.PEM))
	if err != nil {
		return nil, fmt.Errorf("%w: public_key: %v", ErrInvalidClientMetadata, err)
	}
	alg, enc, err := security.NormalizeJWEAlgorithms(key.Algorithm, key.Encryption)
	if err != nil {
		return nil, fmt.Errorf("%w: public_key: %v", ErrInvalidClientMetadata, err)
	}
	kid := key.KeyID
	if kid == "" {
		if kid, err = security.KeyFingerprint(pub); err != nil {
			return nil, fmt.Errorf("%w: public_key: %v", ErrInvalidClientMetadata, err)
		}
	}
	return &storage.EncryptionKey{
		KeyID:      kid,
		PEM:        key.PEM,
		Algorithm:  alg,
		Encryption: enc,
	}, nil
}

// compileRedirectPattern anchors a registered pattern at both ends so that it
// must match the whole redirect URI.
func compileRedirectPattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

// NormalizeResponseType sorts the space separated response type values so
// that "token id_token" and "id_token token" compare equal.
func NormalizeResponseType(responseType string) string {
	return util.JoinScopes(util.ParseScopes(responseType))
}
