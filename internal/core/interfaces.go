package core

import (
	"context"
	"errors"
	"time"

	"github.com/veltchat/voicegate/internal/domain"
)

// ErrNotFound is returned by KV.Get when the key does not exist.
var ErrNotFound = errors.New("not found")

// KV is the cross-node key-value store used for room-to-node assignment.
// Last-writer-wins get/set/TTL semantics; the assignment is advisory
// routing metadata, not a lock.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// EntitlementLookup resolves the Pro status of a user. A lookup failure is
// treated as "not Pro" by callers; it must never block voice access.
type EntitlementLookup interface {
	GetProStatus(ctx context.Context, userID domain.UserID) (bool, error)
}

// AccessDecision is the result of a voice permission check.
type AccessDecision struct {
	Allowed bool
	Reason  string
}

// PermissionValidator answers whether a user may join a voice channel
// (membership, ban status, required permission).
type PermissionValidator interface {
	ValidateVoiceAccess(ctx context.Context, userID domain.UserID, channelID domain.ChannelID) (AccessDecision, error)
}
