// Package auth authenticates API callers by static API key or HS256 bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader carries a static API key.
	APIKeyHeader = "X-API-Key"

	principalContextKey contextKey = "principal"
)

// Authentication methods reported on a Principal.
const (
	MethodAPIKey = "api_key"
	MethodJWT    = "jwt"
)

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	Method  string
}

// Authenticator validates credentials on HTTP requests and gRPC calls.
// With neither an API key nor a JWT secret configured it lets everything through.
type Authenticator struct {
	apiKey      string
	jwt         *JWTManager
	skipPaths   map[string]bool
	skipMethods map[string]bool
}

// NewAuthenticator creates an authenticator. Empty values disable the
// corresponding credential type.
func NewAuthenticator(apiKey, jwtSecret string) *Authenticator {
	a := &Authenticator{
		apiKey: apiKey,
		skipPaths: map[string]bool{
			"/healthz": true,
			"/readyz":  true,
			"/metrics": true,
		},
		skipMethods: map[string]bool{
			"/grpc.health.v1.Health/Check": true,
			"/grpc.health.v1.Health/Watch": true,
		},
	}
	if jwtSecret != "" {
		a.jwt = NewJWTManager(DefaultJWTConfig(jwtSecret))
	}
	return a
}

// WithSkipPaths adds HTTP paths that bypass authentication.
func (a *Authenticator) WithSkipPaths(paths ...string) *Authenticator {
	for _, p := range paths {
		a.skipPaths[p] = true
	}
	return a
}

// Enabled reports whether any credential type is configured.
func (a *Authenticator) Enabled() bool {
	return a.apiKey != "" || a.jwt != nil
}

// Authenticate checks an API key or bearer token. Either may be empty.
func (a *Authenticator) Authenticate(apiKey, bearer string) (*Principal, error) {
	if !a.Enabled() {
		return &Principal{Subject: "anonymous"}, nil
	}

	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		if a.apiKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(a.apiKey)) == 1 {
			return &Principal{Subject: "api-key", Method: MethodAPIKey}, nil
		}
		return nil, status.Error(codes.Unauthenticated, "invalid API key")
	}

	if bearer = strings.TrimSpace(bearer); bearer != "" {
		if a.jwt == nil {
			return nil, status.Error(codes.Unauthenticated, "bearer tokens are not accepted")
		}
		claims, err := a.jwt.ValidateToken(bearer)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return &Principal{Subject: claims.Subject, Method: MethodJWT}, nil
	}

	return nil, status.Error(codes.Unauthenticated, "missing credentials")
}

// Middleware enforces authentication on HTTP requests.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := a.Authenticate(r.Header.Get(APIKeyHeader), bearerToken(r.Header.Get("Authorization")))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": status.Convert(err).Message()})
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// UnaryInterceptor enforces authentication on unary gRPC calls.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if a.skipMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := a.authenticateRPC(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor enforces authentication on streaming gRPC calls.
func (a *Authenticator) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if a.skipMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, err := a.authenticateRPC(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &principalStream{ServerStream: ss, ctx: ctx})
	}
}

// authenticateRPC reads credentials from incoming metadata and returns ctx
// carrying the caller.
func (a *Authenticator) authenticateRPC(ctx context.Context) (context.Context, error) {
	var apiKey, bearer string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(strings.ToLower(APIKeyHeader)); len(v) > 0 {
			apiKey = v[0]
		}
		if v := md.Get("authorization"); len(v) > 0 {
			bearer = bearerToken(v[0])
		}
	}

	principal, err := a.Authenticate(apiKey, bearer)
	if err != nil {
		return nil, err
	}
	return WithPrincipal(ctx, principal), nil
}

type principalStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *principalStream) Context() context.Context { return s.ctx }

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}

// WithPrincipal stores the caller in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the caller from context
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}
