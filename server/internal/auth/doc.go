// Package auth enforces the relay's API key.
//
// New(cfg) builds a Checker. Checker.Middleware wraps the HTTP mux (the key is
// read from the configured header, default "x-api-key", or from an
// "Authorization: Bearer" header) and Checker.UnaryInterceptor /
// StreamInterceptor guard the gRPC health service.
//
// When the mode is not "apikey" or the key environment variable is empty, all
// calls pass through (useful for local development with auth disabled).
// Incorrect or absent keys get 401 over HTTP and codes.Unauthenticated over
// gRPC.
package auth
