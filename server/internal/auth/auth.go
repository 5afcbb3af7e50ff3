package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/statussync/server/internal/config"
)

// Checker validates API keys presented over HTTP and gRPC.
type Checker struct {
	header string
	key    string
}

// New builds a Checker from the relay's auth config. When the mode is not
// "apikey" or the key resolves empty, every caller is allowed.
func New(cfg config.AuthConfig) *Checker {
	c := &Checker{header: strings.ToLower(cfg.EffectiveHeader())}
	if cfg.Mode == "apikey" {
		c.key = cfg.Key()
	}
	return c
}

// Enabled reports whether keys are enforced.
func (c *Checker) Enabled() bool { return c.key != "" }

// valid compares got against the expected key in constant time.
func (c *Checker) valid(got string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(c.key)) == 1
}

// Middleware enforces the key on every request except the exempt paths. The
// key is read from the configured header or from "Authorization: Bearer".
func (c *Checker) Middleware(next http.Handler, exempt ...string) http.Handler {
	if !c.Enabled() {
		return next
	}
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(c.header)
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if !c.valid(got) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid api key"}` + "\n")) //nolint:errcheck
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryInterceptor enforces the key on unary gRPC calls.
func (c *Checker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if err := c.authorize(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor enforces the key on streaming gRPC calls such as
// health Watch.
func (c *Checker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := c.authorize(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (c *Checker) authorize(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(c.header)
	if len(vals) == 0 || !c.valid(vals[0]) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}
