// Package security builds the TLS and authentication settings shared by the
// agent's outbound connections, and inspects the push server's certificate
// for the diagnostics surface.
package security
