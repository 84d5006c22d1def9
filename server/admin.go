package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/storage"
)

// RegisterClient registers a Confidential client on behalf of an admin and
// returns it with its plaintext secret.
func (s *Server) RegisterClient(ctx context.Context, req RegistrationRequest, createdBy, clientIP string) (*storage.Client, string, error) {
	ctx, span := s.startSpan(ctx, "engine.register_client")
	defer span.End()

	client, secret, err := s.Clients.Register(ctx, req, createdBy, s.now())
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, storage.ErrConflict) {
			return nil, "", fmt.Errorf("%w: %w", ErrInvalidClientMetadata, err)
		}
		return nil, "", err
	}

	span.SetAttributes(attribute.String(instrumentation.AttrClientID, client.ClientID))
	instrumentation.SetSpanSuccess(span)
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, client.Kind.String())
	}
	s.Auditor.LogClientRegistered(ctx, client.ClientID, createdBy, clientIP, client.AudienceFor)
	return client, secret, nil
}

// GetClient returns a registered client. Inactive clients are returned.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return client, nil
}

// ListClients returns every registered client
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.store.ListClients(ctx)
}

// DeactivateClient soft-deletes a registered client
func (s *Server) DeactivateClient(ctx context.Context, clientID, deactivatedBy string) error {
	return s.Clients.Deactivate(ctx, clientID, deactivatedBy, s.now())
}
