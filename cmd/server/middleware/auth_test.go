package middleware

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TFMV/planlens/cmd/server/config"
)

func newTestAuth(t *testing.T, authType string) *AuthMiddleware {
	t.Helper()
	cfg := config.AuthConfig{Enabled: true, Type: authType}
	switch authType {
	case "basic":
		cfg.BasicAuth.Users = map[string]config.UserInfo{
			"analyst": {Password: "s3cret", Roles: []string{"reader"}},
		}
	case "bearer":
		cfg.BearerAuth.Tokens = map[string]string{"tok-1": "ci"}
	case "jwt":
		cfg.JWTAuth = config.JWTAuthConfig{
			Secret:   "hmac-secret",
			Issuer:   "planlens-test",
			Audience: "planlens",
		}
	}
	return NewAuthMiddleware(cfg, zerolog.New(zerolog.NewTestWriter(t)))
}

func withAuthorization(value string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", value))
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "alice",
		"iss":   "planlens-test",
		"aud":   "planlens",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"roles": []string{"reader", "evaluator"},
	}
}

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestNewAuthMiddleware_JWTFields(t *testing.T) {
	m := newTestAuth(t, "jwt")
	assert.Equal(t, "hmac-secret", string(m.HSKey))
	assert.Equal(t, "planlens-test", m.Iss)
	assert.Equal(t, "planlens", m.Aud)
	assert.Nil(t, m.RSKey)
}

func TestAuthenticateBasic(t *testing.T) {
	m := newTestAuth(t, "basic")
	encode := func(s string) string { return "Basic " + base64.StdEncoding.EncodeToString([]byte(s)) }

	ctx, err := m.authenticate(withAuthorization(encode("analyst:s3cret")))
	require.NoError(t, err)
	assert.Equal(t, "analyst", AuthenticatedUser(ctx))
	roles, ok := GetRoles(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"reader"}, roles)

	failures := map[string]context.Context{
		"no metadata":     context.Background(),
		"no header":       metadata.NewIncomingContext(context.Background(), metadata.New(nil)),
		"wrong scheme":    withAuthorization("Bearer abc"),
		"bad encoding":    withAuthorization("Basic !!!"),
		"no separator":    withAuthorization(encode("analyst")),
		"wrong password":  withAuthorization(encode("analyst:nope")),
		"unknown account": withAuthorization(encode("mallory:s3cret")),
	}
	for name, ctx := range failures {
		t.Run(name, func(t *testing.T) {
			_, err := m.authenticate(ctx)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}
}

func TestAuthenticateBearer(t *testing.T) {
	m := newTestAuth(t, "bearer")

	ctx, err := m.authenticate(withAuthorization("Bearer tok-1"))
	require.NoError(t, err)
	assert.Equal(t, "ci", AuthenticatedUser(ctx))
	_, ok := GetRoles(ctx)
	assert.False(t, ok)

	_, err = m.authenticate(withAuthorization("Bearer tok-2"))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestAuthenticateJWT_HS256(t *testing.T) {
	m := newTestAuth(t, "jwt")
	token := sign(t, jwt.SigningMethodHS256, m.HSKey, validClaims())

	ctx, err := m.authenticate(withAuthorization("Bearer " + token))
	require.NoError(t, err)
	assert.Equal(t, "alice", AuthenticatedUser(ctx))
	roles, ok := GetRoles(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"reader", "evaluator"}, roles)
}

func TestAuthenticateJWT_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	m := newTestAuth(t, "jwt")
	m.RSKey = key.Public()

	ctx, err := m.authenticate(withAuthorization("Bearer " + sign(t, jwt.SigningMethodRS256, key, validClaims())))
	require.NoError(t, err)
	assert.Equal(t, "alice", AuthenticatedUser(ctx))
}

func TestAuthenticateJWT_ES256(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	m := newTestAuth(t, "jwt")
	m.RSKey = key.Public()

	ctx, err := m.authenticate(withAuthorization("Bearer " + sign(t, jwt.SigningMethodES256, key, validClaims())))
	require.NoError(t, err)
	assert.Equal(t, "alice", AuthenticatedUser(ctx))
}

func TestAuthenticateJWT_Rejects(t *testing.T) {
	m := newTestAuth(t, "jwt")
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mutate := func(f func(c jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		f(c)
		return c
	}
	tests := []struct {
		name  string
		token string
	}{
		{"expired", sign(t, jwt.SigningMethodHS256, m.HSKey, mutate(func(c jwt.MapClaims) {
			c["exp"] = time.Now().Add(-time.Minute).Unix()
		}))},
		{"no expiry", sign(t, jwt.SigningMethodHS256, m.HSKey, mutate(func(c jwt.MapClaims) { delete(c, "exp") }))},
		{"wrong issuer", sign(t, jwt.SigningMethodHS256, m.HSKey, mutate(func(c jwt.MapClaims) { c["iss"] = "other" }))},
		{"wrong audience", sign(t, jwt.SigningMethodHS256, m.HSKey, mutate(func(c jwt.MapClaims) { c["aud"] = "other" }))},
		{"no subject", sign(t, jwt.SigningMethodHS256, m.HSKey, mutate(func(c jwt.MapClaims) { delete(c, "sub") }))},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims())},
		{"rsa without key", sign(t, jwt.SigningMethodRS256, rsaKey, validClaims())},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.authenticate(withAuthorization("Bearer " + tt.token))
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}
}

func TestLoadPublicKeyFile(t *testing.T) {
	dir := t.TempDir()
	writeKey := func(name string, pub interface{}) string {
		der, err := x509.MarshalPKIXPublicKey(pub)
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
		return path
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	m := newTestAuth(t, "jwt")
	require.NoError(t, m.LoadPublicKeyFile(writeKey("rsa.pem", rsaKey.Public())))
	assert.IsType(t, &rsa.PublicKey{}, m.RSKey)

	require.NoError(t, m.LoadPublicKeyFile(writeKey("ec.pem", ecKey.Public())))
	assert.IsType(t, &ecdsa.PublicKey{}, m.RSKey)

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("nope"), 0o600))
	assert.Error(t, m.LoadPublicKeyFile(garbage))
	assert.Error(t, m.LoadPublicKeyFile(filepath.Join(dir, "missing.pem")))
}

func TestAuthenticate_Disabled(t *testing.T) {
	m := NewAuthMiddleware(config.AuthConfig{}, zerolog.Nop())
	ctx := context.Background()
	got, err := m.authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, ctx, got)
	assert.Empty(t, AuthenticatedUser(got))
}

func TestUnaryInterceptor(t *testing.T) {
	m := newTestAuth(t, "bearer")
	interceptor := m.UnaryInterceptor()

	var seen string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = AuthenticatedUser(ctx)
		return "ok", nil
	}

	resp, err := interceptor(withAuthorization("Bearer tok-1"), nil,
		&grpc.UnaryServerInfo{FullMethod: "/arrow.flight.protocol.FlightService/DoAction"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, "ci", seen)

	_, err = interceptor(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/arrow.flight.protocol.FlightService/DoAction"}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	seen = "unset"
	_, err = interceptor(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	require.NoError(t, err)
	assert.Empty(t, seen)
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func TestStreamInterceptor(t *testing.T) {
	m := newTestAuth(t, "bearer")
	interceptor := m.StreamInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/arrow.flight.protocol.FlightService/DoGet"}

	var seen string
	handler := func(srv interface{}, ss grpc.ServerStream) error {
		seen = AuthenticatedUser(ss.Context())
		return nil
	}

	require.NoError(t, interceptor(nil, &fakeServerStream{ctx: withAuthorization("Bearer tok-1")}, info, handler))
	assert.Equal(t, "ci", seen)

	err := interceptor(nil, &fakeServerStream{ctx: context.Background()}, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
