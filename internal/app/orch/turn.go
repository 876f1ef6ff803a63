package orch

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// DefaultTurnTTL is how long ephemeral relay credentials stay valid.
const DefaultTurnTTL = 86400 * time.Second

// TurnConfig describes the relay servers this node vouches for.
type TurnConfig struct {
	Secret string
	URLs   []string
	TTL    time.Duration
}

// TurnCredentials is the standard ephemeral-TURN-credential pair: any relay
// sharing the secret can validate it without a database. The username
// embeds the expiry so the relay can reject stale pairs.
type TurnCredentials struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	URLs       []string `json:"urls"`
	TTL        int64    `json:"ttl"`
}

// MintTurnCredentials derives username "{unixExpiry}:{userId}" and
// credential base64(HMAC-SHA1(secret, username)). Deterministic for fixed
// inputs and clock.
func (c TurnConfig) MintTurnCredentials(userID string, now time.Time) TurnCredentials {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTurnTTL
	}
	expiry := now.UTC().Unix() + int64(ttl/time.Second)
	username := fmt.Sprintf("%d:%s", expiry, userID)
	h := hmac.New(sha1.New, []byte(c.Secret))
	h.Write([]byte(username))
	return TurnCredentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(h.Sum(nil)),
		URLs:       c.URLs,
		TTL:        int64(ttl / time.Second),
	}
}
