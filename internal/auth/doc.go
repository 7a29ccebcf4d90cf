// Package auth provides operator authentication for fleet-gateway.
//
// Operators authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret. Tokens carry the operator name in "sub", the issuer
// "fleet-gateway" and a mandatory expiry. Mint one with:
//
//	fleet-gateway token --subject alice --ttl 24h
//
// Middleware guards routes configured with auth: required and, when a
// secret is set, the /status surface. A verified request carries an
// *Operator retrievable with FromContext.
package auth
