// Package config loads the relay configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - GRPCPort          - port for the gRPC health service (default 50051)
//   - HTTPPort          - port for the REST API and WebSocket hub (default 8080)
//   - Auth.Mode         - "apikey" or "none"
//   - Auth.KeyEnv       - environment variable holding the expected API key
//   - Auth.Header       - gRPC metadata/HTTP header name (default "x-api-key")
//   - Snapshot.TTL      - how long a scope's latest payload stays live (default 10m)
//   - History.Path      - sqlite file for event history; empty disables it
//   - History.Retention - how long history rows are kept (default 24h)
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
