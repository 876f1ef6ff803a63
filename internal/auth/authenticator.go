// Package auth validates inbound connection credentials and resolves the
// caller's identity and Pro entitlement.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/domain"
)

// Claims is the token payload minted by the main veltchat API.
type Claims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret       []byte
	entitlements core.EntitlementLookup
}

func NewAuthenticator(secret string, entitlements core.EntitlementLookup) *Authenticator {
	return &Authenticator{secret: []byte(secret), entitlements: entitlements}
}

// BearerToken extracts the credential from the handshake: the "token" query
// parameter, falling back to an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// Authenticate verifies the token and resolves the identity. connectionID is
// the fallback device id when the token carries none. An entitlement lookup
// failure degrades to IsPro=false rather than failing the connection; only
// paid features are lost.
func (a *Authenticator) Authenticate(ctx context.Context, token string, connectionID domain.SocketID) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, core.NewError(core.CodeUnauthenticated, "missing credential")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return domain.Identity{}, core.NewError(core.CodeUnauthenticated, "invalid credential")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return domain.Identity{}, core.NewError(core.CodeUnauthenticated, "invalid credential claims")
	}

	deviceID := domain.DeviceID(claims.DeviceID)
	if deviceID == "" {
		deviceID = domain.DeviceID(connectionID)
	}

	isPro, err := a.entitlements.GetProStatus(ctx, domain.UserID(claims.UserID))
	if err != nil {
		log.Warn().Err(err).Str("module", "auth").Str("user", claims.UserID).Msg("entitlement lookup failed, treating as free tier")
		isPro = false
	}

	return domain.Identity{
		UserID:   domain.UserID(claims.UserID),
		DeviceID: deviceID,
		IsPro:    isPro,
	}, nil
}
