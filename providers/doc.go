// Package providers defines the identity provider interface used to
// authenticate resource owners and to look up the claims disclosed in ID tokens.
//
// Implementations are provided in subpackages:
//   - providers/static: users, passwords and claims from a YAML document
//   - providers/posix: claims from the local user and group databases
//   - providers/ldap: bind authentication and claims from an LDAP directory
//   - providers/mock: configurable mock for tests
//
// Claim fields are named; the engine only ever asks for the fields registered
// as audience claims on a client (see ClaimPosix and ClaimRoles). Asking for a
// field the provider does not know yields ErrUnknownClaimField.
//
// Example usage:
//
//	provider, err := static.Load("/etc/ptero-auth/users.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, _ := server.New(store, provider, signer, config, logger)
package providers
