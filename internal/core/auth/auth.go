// Package auth provides HMAC-based API key authentication and role checks
// for gRPC services.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/solatis/surveykeeper/internal/types"
)

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// principalKey is the context key for the authenticated caller.
const principalKey = contextKey("principal")

// Health checks are served without credentials.
const healthServicePrefix = "/grpc.health.v1.Health/"

// Queries interface defines database operations needed for authentication.
// Implemented by *db.Queries.
type Queries interface {
	Get(ctx context.Context, name string, dest any, args ...any) error
	Exec(ctx context.Context, name string, args ...any) (sql.Result, error)
}

// Permissions maps full gRPC method names to the roles allowed to call them.
// Admins may call every method; methods absent from the map are admin-only.
type Permissions map[string][]types.Role

// Allows reports whether role may call method.
func (p Permissions) Allows(method string, role types.Role) bool {
	if role == types.RoleAdmin {
		return true
	}
	for _, r := range p[method] {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup and queries for key verification.
type Authenticator struct {
	secrets     map[string][]byte
	queries     Queries
	permissions Permissions
	logger      *zap.Logger
}

// NewAuthenticator creates an authenticator with HMAC secrets, the key store
// and the method permission table.
func NewAuthenticator(secrets map[string][]byte, queries Queries, permissions Permissions, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		secrets:     secrets,
		queries:     queries,
		permissions: permissions,
		logger:      logger,
	}
}

// Authenticate validates API key and returns the key holder on success.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (*types.Principal, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return nil, err
	}

	// O(1) lookup of HMAC secret using secret_id from key format
	secret, ok := a.secrets[secretID]
	if !ok {
		return nil, ErrUnknownKey
	}

	computedHash := ComputeHMAC(secret, apiKey)

	// key_hash is unique, so at most one row matches
	var result struct {
		APIKeyID   string       `db:"api_key_id"`
		UserID     string       `db:"user_id"`
		Role       string       `db:"role"`
		LastUsedAt sql.NullTime `db:"last_used_at"`
		RevokedAt  sql.NullTime `db:"revoked_at"`
	}

	err = a.queries.Get(ctx, "get-api-key-by-hash", &result, computedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if result.RevokedAt.Valid {
		return nil, ErrKeyRevoked
	}

	role, err := types.ParseRole(result.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	// 1-minute throttle on last_used_at writes
	if shouldUpdateLastUsed(result.LastUsedAt) {
		if _, err := a.queries.Exec(ctx, "update-last-used", time.Now().UTC(), result.APIKeyID); err != nil {
			a.logger.Warn("failed to update api key last_used_at",
				zap.String("api_key_id", result.APIKeyID), zap.Error(err))
		}
	}

	return &types.Principal{UserID: result.UserID, Role: role, APIKeyID: result.APIKeyID}, nil
}

// shouldUpdateLastUsed implements 1-minute throttle to reduce write amplification.
func shouldUpdateLastUsed(lastUsed sql.NullTime) bool {
	if !lastUsed.Valid {
		return true
	}
	return time.Since(lastUsed.Time) > time.Minute
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests and
// enforces method permissions.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		apiKeys := md.Get("x-api-key")
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		principal, err := a.Authenticate(ctx, apiKeys[0])
		if err != nil {
			switch {
			case errors.Is(err, ErrKeyRevoked):
				return nil, status.Error(codes.PermissionDenied, err.Error())
			case errors.Is(err, ErrUnavailable):
				a.logger.Error("authentication unavailable", zap.Error(err))
				return nil, status.Error(codes.Unavailable, ErrUnavailable.Error())
			default:
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
		}

		if !a.permissions.Allows(info.FullMethod, principal.Role) {
			a.logger.Info("permission denied",
				zap.String("user_id", principal.UserID),
				zap.String("role", string(principal.Role)),
				zap.String("method", info.FullMethod))
			return nil, status.Error(codes.PermissionDenied, ErrForbidden.Error())
		}

		return handler(WithPrincipal(ctx, principal), req)
	}
}

// WithPrincipal returns a context carrying the authenticated caller.
func WithPrincipal(ctx context.Context, p *types.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the authenticated caller from context.
// Returns nil if not found.
func PrincipalFromContext(ctx context.Context) *types.Principal {
	if p, ok := ctx.Value(principalKey).(*types.Principal); ok {
		return p
	}
	return nil
}
