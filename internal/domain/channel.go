package domain

type ChannelID string

// Capacity limits per room, keyed off the Pro entitlement of the first
// participant that created the room.
const (
	MaxParticipantsFree = 8
	MaxParticipantsPro  = 25

	MaxVideoSlotsFree = 4
	MaxVideoSlotsPro  = 6
)

func MaxParticipants(isPro bool) int {
	if isPro {
		return MaxParticipantsPro
	}
	return MaxParticipantsFree
}

func MaxVideoSlots(isPro bool) int {
	if isPro {
		return MaxVideoSlotsPro
	}
	return MaxVideoSlotsFree
}
