// Package config loads and watches the agent configuration file.
//
// Top-level types:
//   - Config{Agent} - full config tree
//   - AgentConfig - server_url, api_url, listen_addr, scopes, sync, server_auth,
//     tls, logging
//   - SyncConfig - retry policy, cache sweep interval and max age, log bounds
//   - AuthConfig - mode (apikey|bearer|mtls|none), header, key_env, token_env,
//     cert/key/ca files; Key() and Token() resolve from environment variables
//
// Load(path) reads YAML, or TOML when the file ends in .toml, applies defaults
// (5s fixed retry, 5m sweep, 10m max age), then validates required fields and
// enums.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It re-adds the watch after each
// event so atomic-save editors (rename then create) keep working.
package config
