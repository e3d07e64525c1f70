// Package auth provides credential handling for clients and agents.
//
// # Client Tokens
//
// Clients authenticate with JWTs signed HS256 by the relay's shared secret.
// The subject claim is the user ID. JWTVerifier validates signature and
// expiry and distinguishes ErrExpiredToken from ErrInvalidToken so callers
// can report the difference.
//
// # Agent Keys
//
// Agents authenticate with a connection key of the form "agentID.secret".
// The secret is 32 random bytes hex-encoded, shown once at registration;
// only its bcrypt hash is stored. ParseAgentKey splits on the first dot so
// secrets containing dots, should the format ever change, still round-trip.
package auth
