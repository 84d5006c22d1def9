// Package server implements the authorization and token engine.
//
// The Server type composes five components:
//   - ScopeCatalog resolves a scope to the Confidential client that is its audience
//   - ClientRegistry answers validation questions through a per-variant capability table
//   - GrantLedger issues authorization codes and redeems each exactly once
//   - TokenIssuer mints access and refresh tokens and decides their validity
//   - IDTokenComposer aggregates audience claims, signs and optionally encrypts
//
// Authorization requests move through an immutable AuthorizationContext:
//
//	Requested -> ClientValidated -> ScopeValidated -> RedirectValidated -> Granted | Issued
//
// Errors raised before RedirectValidated are returned directly. Later errors
// carry the validated redirect URI so the caller can deliver them as an
// error parameter.
//
// Token requests authenticate the client, check the grant type against its
// variant, redeem the grant and mint the response. Tokens are built before
// anything is persisted, so a failed claim lookup issues nothing.
//
// Example usage:
//
//	store := memory.New()
//	signer, _ := security.NewRS256Signer(key)
//
//	srv, err := server.New(store, static.New(doc), signer, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := srv.Authorize(ctx, server.AuthorizationRequest{
//	    ClientID:     clientID,
//	    ResponseType: "code",
//	    RedirectURI:  "https://app.example.com/callback",
//	    Scope:        "openid bar",
//	}, user, clientIP)
package server
