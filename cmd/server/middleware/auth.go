// Package middleware provides gRPC interceptors for the planlens Flight
// server: authentication, request logging, metrics and panic recovery.
package middleware

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TFMV/planlens/cmd/server/config"
)

// rolesClaim is the JWT claim holding the caller's roles.
const rolesClaim = "roles"

// AuthMiddleware authenticates requests with basic, bearer or JWT
// credentials carried in the authorization header.
type AuthMiddleware struct {
	config config.AuthConfig
	logger zerolog.Logger

	// HSKey verifies HMAC-signed tokens.
	HSKey []byte
	// RSKey verifies RSA and ECDSA signed tokens.
	RSKey crypto.PublicKey
	// Iss and Aud are required claim values when set.
	Iss string
	Aud string
}

// NewAuthMiddleware creates a new authentication middleware. A configured
// public key file must be loaded with LoadPublicKeyFile.
func NewAuthMiddleware(cfg config.AuthConfig, logger zerolog.Logger) *AuthMiddleware {
	m := &AuthMiddleware{
		config: cfg,
		logger: logger,
		Iss:    cfg.JWTAuth.Issuer,
		Aud:    cfg.JWTAuth.Audience,
	}
	if cfg.JWTAuth.Secret != "" {
		m.HSKey = []byte(cfg.JWTAuth.Secret)
	}
	return m
}

// LoadPublicKeyFile reads a PEM encoded RSA or ECDSA public key into RSKey.
func (m *AuthMiddleware) LoadPublicKeyFile(path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pem); err == nil {
		m.RSKey = key
		return nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM(pem)
	if err != nil {
		return fmt.Errorf("public key %s is neither RSA nor ECDSA: %w", path, err)
	}
	m.RSKey = key
	return nil
}

// UnaryInterceptor returns a unary server interceptor for authentication.
func (m *AuthMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if skipAuth(info.FullMethod) {
			return handler(ctx, req)
		}
		authCtx, err := m.authenticate(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("method", info.FullMethod).Msg("Authentication failed")
			return nil, err
		}
		return handler(authCtx, req)
	}
}

// StreamInterceptor returns a stream server interceptor for authentication.
func (m *AuthMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if skipAuth(info.FullMethod) {
			return handler(srv, ss)
		}
		authCtx, err := m.authenticate(ss.Context())
		if err != nil {
			m.logger.Warn().Err(err).Str("method", info.FullMethod).Msg("Authentication failed")
			return err
		}
		return handler(srv, &authServerStream{ServerStream: ss, ctx: authCtx})
	}
}

// skipAuth exempts health checks and reflection.
func skipAuth(method string) bool {
	return strings.HasPrefix(method, "/grpc.health.") || strings.HasPrefix(method, "/grpc.reflection.")
}

func (m *AuthMiddleware) authenticate(ctx context.Context) (context.Context, error) {
	if !m.config.Enabled {
		return ctx, nil
	}
	switch m.config.Type {
	case "basic":
		return m.authenticateBasic(ctx)
	case "bearer":
		return m.authenticateBearer(ctx)
	case "jwt":
		return m.authenticateJWT(ctx)
	default:
		return nil, status.Errorf(codes.Internal, "unsupported auth type: %s", m.config.Type)
	}
}

// credentials returns the authorization header value after scheme.
func credentials(ctx context.Context, scheme string) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}
	headers := md.Get("authorization")
	if len(headers) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing authorization header")
	}
	value, ok := strings.CutPrefix(headers[0], scheme+" ")
	if !ok {
		return "", status.Error(codes.Unauthenticated, "invalid authorization header")
	}
	return value, nil
}

func (m *AuthMiddleware) authenticateBasic(ctx context.Context) (context.Context, error) {
	encoded, err := credentials(ctx, "Basic")
	if err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid credentials encoding")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "invalid credentials format")
	}

	user, ok := m.config.BasicAuth.Users[username]
	if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(user.Password)) != 1 {
		return nil, status.Error(codes.Unauthenticated, "invalid credentials")
	}
	return withIdentity(ctx, username, user.Roles), nil
}

func (m *AuthMiddleware) authenticateBearer(ctx context.Context) (context.Context, error) {
	token, err := credentials(ctx, "Bearer")
	if err != nil {
		return nil, err
	}
	username, ok := m.config.BearerAuth.Tokens[token]
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return withIdentity(ctx, username, nil), nil
}

func (m *AuthMiddleware) authenticateJWT(ctx context.Context) (context.Context, error) {
	raw, err := credentials(ctx, "Bearer")
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithExpirationRequired(),
	}
	if m.Iss != "" {
		opts = append(opts, jwt.WithIssuer(m.Iss))
	}
	if m.Aud != "" {
		opts = append(opts, jwt.WithAudience(m.Aud))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, m.verificationKey, opts...); err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, status.Error(codes.Unauthenticated, "token has no subject")
	}
	return withIdentity(ctx, subject, rolesFromClaims(claims)), nil
}

// verificationKey picks the key matching the token's signing method.
func (m *AuthMiddleware) verificationKey(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(m.HSKey) == 0 {
			return nil, fmt.Errorf("no HMAC key configured")
		}
		return m.HSKey, nil
	case *jwt.SigningMethodRSA:
		if key, ok := m.RSKey.(*rsa.PublicKey); ok {
			return key, nil
		}
		return nil, fmt.Errorf("no RSA key configured")
	case *jwt.SigningMethodECDSA:
		if key, ok := m.RSKey.(*ecdsa.PublicKey); ok {
			return key, nil
		}
		return nil, fmt.Errorf("no ECDSA key configured")
	default:
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
}

func rolesFromClaims(claims jwt.MapClaims) []string {
	switch v := claims[rolesClaim].(type) {
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}

type contextKey string

const (
	contextKeyUser  contextKey = "user"
	contextKeyRoles contextKey = "roles"
)

func withIdentity(ctx context.Context, user string, roles []string) context.Context {
	ctx = context.WithValue(ctx, contextKeyUser, user)
	if roles != nil {
		ctx = context.WithValue(ctx, contextKeyRoles, roles)
	}
	return ctx
}

// GetUser extracts the authenticated user from context.
func GetUser(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(contextKeyUser).(string)
	return user, ok
}

// AuthenticatedUser returns the authenticated user, or "" when the request
// was not authenticated.
func AuthenticatedUser(ctx context.Context) string {
	user, _ := GetUser(ctx)
	return user
}

// GetRoles extracts the user's roles from context.
func GetRoles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(contextKeyRoles).([]string)
	return roles, ok
}

// authServerStream wraps a ServerStream with authenticated context.
type authServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authServerStream) Context() context.Context {
	return s.ctx
}
