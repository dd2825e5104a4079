package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const testSecret = "test-secret"

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig(testSecret))

	token, err := m.GenerateToken("ci-bot", "CI")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", claims.Subject)
	assert.Equal(t, "CI", claims.Name)
	assert.Equal(t, "hybridrag", claims.Issuer)
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig(testSecret))

	expired, err := m.GenerateTokenWithExpiry("u", "", -time.Minute)
	require.NoError(t, err)
	_, err = m.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other, err := NewJWTManager(DefaultJWTConfig("other")).GenerateToken("u", "")
	require.NoError(t, err)
	_, err = m.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	cfg := DefaultJWTConfig(testSecret)
	cfg.SigningMethod = jwt.SigningMethodHS512
	hs512, err := NewJWTManager(cfg).GenerateToken("u", "")
	require.NoError(t, err)
	_, err = m.ValidateToken(hs512)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func serve(a *Authenticator, req *http.Request) (*httptest.ResponseRecorder, *Principal) {
	var got *Principal
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, got
}

func TestMiddleware_Disabled(t *testing.T) {
	a := NewAuthenticator("", "")
	assert.False(t, a.Enabled())

	rec, p := serve(a, httptest.NewRequest(http.MethodPost, "/v1/search", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, p)
	assert.Equal(t, "anonymous", p.Subject)
}

func TestMiddleware_APIKey(t *testing.T) {
	a := NewAuthenticator("k3y", "")

	req := httptest.NewRequest(http.MethodPost, "/v1/search", nil)
	req.Header.Set(APIKeyHeader, "k3y")
	rec, p := serve(a, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, MethodAPIKey, p.Method)

	req = httptest.NewRequest(http.MethodPost, "/v1/search", nil)
	req.Header.Set(APIKeyHeader, "wrong")
	rec, _ = serve(a, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid API key"}`, rec.Body.String())

	rec, _ = serve(a, httptest.NewRequest(http.MethodPost, "/v1/search", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_Bearer(t *testing.T) {
	a := NewAuthenticator("", testSecret)
	token, err := NewJWTManager(DefaultJWTConfig(testSecret)).GenerateToken("alice", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, p := serve(a, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, MethodJWT, p.Method)

	req = httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec, _ = serve(a, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_SkipsProbes(t *testing.T) {
	a := NewAuthenticator("k3y", testSecret)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec, _ := serve(a, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNoContent, rec.Code, path)
	}
}

func TestUnaryInterceptor(t *testing.T) {
	a := NewAuthenticator("k3y", "")
	icpt := a.UnaryInterceptor()
	handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
		p, ok := PrincipalFromContext(ctx)
		require.True(t, ok)
		return p.Method, nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "k3y"))
	out, err := icpt(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}, handler)
	require.NoError(t, err)
	assert.Equal(t, MethodAPIKey, out)

	_, err = icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(context.Context, interface{}) (interface{}, error) { return "ok", nil })
	assert.NoError(t, err)
}

type testStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s testStream) Context() context.Context { return s.ctx }

func TestStreamInterceptor(t *testing.T) {
	a := NewAuthenticator("", "s3cret")
	token, err := NewJWTManager(DefaultJWTConfig("s3cret")).GenerateToken("ci-bot", "CI")
	require.NoError(t, err)

	icpt := a.StreamInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/svc/Stream", IsServerStream: true}
	var got *Principal
	handler := func(_ interface{}, ss grpc.ServerStream) error {
		got, _ = PrincipalFromContext(ss.Context())
		return nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
	require.NoError(t, icpt(nil, testStream{ctx: ctx}, info, handler))
	require.NotNil(t, got)
	assert.Equal(t, "ci-bot", got.Subject)
	assert.Equal(t, MethodJWT, got.Method)

	err = icpt(nil, testStream{ctx: context.Background()}, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	watch := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}
	assert.NoError(t, icpt(nil, testStream{ctx: context.Background()}, watch, func(interface{}, grpc.ServerStream) error { return nil }))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer abc"))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken(""))
}
