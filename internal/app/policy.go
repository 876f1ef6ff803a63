package app

import (
	"context"

	"github.com/veltchat/voicegate/internal/core"
	"github.com/veltchat/voicegate/internal/domain"
)

// OpenAccessValidator admits everyone. Standalone deployments run with it;
// the full veltchat stack injects the API-backed validator instead.
type OpenAccessValidator struct{}

func (OpenAccessValidator) ValidateVoiceAccess(context.Context, domain.UserID, domain.ChannelID) (core.AccessDecision, error) {
	return core.AccessDecision{Allowed: true}, nil
}

// StaticEntitlements resolves Pro status from a fixed allow list.
type StaticEntitlements struct {
	pro map[domain.UserID]struct{}
}

func NewStaticEntitlements(proUsers []string) *StaticEntitlements {
	pro := make(map[domain.UserID]struct{}, len(proUsers))
	for _, id := range proUsers {
		pro[domain.UserID(id)] = struct{}{}
	}
	return &StaticEntitlements{pro: pro}
}

func (s *StaticEntitlements) GetProStatus(_ context.Context, userID domain.UserID) (bool, error) {
	_, ok := s.pro[userID]
	return ok, nil
}
