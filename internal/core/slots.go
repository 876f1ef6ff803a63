package core

import (
	"fmt"

	"github.com/veltchat/voicegate/internal/domain"
)

// slotOwner records who holds one publish slot. A slot starts out under a
// provisional key ("pending:{user}:{source}") reserved before the engine
// call, then is rekeyed to the real producer id once the producer exists.
// Reserving first means two concurrent publish attempts cannot both pass
// the capacity check when only one slot remains.
type slotOwner struct {
	UserID domain.UserID
	Source domain.MediaSource
}

// SlotGrant is the outcome of a slot acquisition attempt. QueuePosition is
// 1-based and only meaningful when Granted is false.
type SlotGrant struct {
	Granted       bool `json:"granted"`
	QueuePosition int  `json:"queuePosition,omitempty"`
}

// VideoSlotQueue limits concurrent video/screenshare publishers in a room.
// Not safe for concurrent use; the owning Room serializes access.
type VideoSlotQueue struct {
	maxSlots int
	active   map[string]slotOwner
	waiting  []domain.UserID
}

func NewVideoSlotQueue(maxSlots int) *VideoSlotQueue {
	return &VideoSlotQueue{
		maxSlots: maxSlots,
		active:   make(map[string]slotOwner),
	}
}

func pendingKey(userID domain.UserID, source domain.MediaSource) string {
	return fmt.Sprintf("pending:%s:%s", userID, source)
}

func (q *VideoSlotQueue) MaxSlots() int     { return q.maxSlots }
func (q *VideoSlotQueue) ActiveCount() int  { return len(q.active) }
func (q *VideoSlotQueue) WaitingCount() int { return len(q.waiting) }

// HasActive reports whether the user holds any slot, pending or finalized.
func (q *VideoSlotQueue) HasActive(userID domain.UserID) bool {
	for _, owner := range q.active {
		if owner.UserID == userID {
			return true
		}
	}
	return false
}

// TryAcquire reserves a slot for (userID, source) or queues the user.
// A user already holding a slot is granted again without consuming another.
func (q *VideoSlotQueue) TryAcquire(userID domain.UserID, source domain.MediaSource) SlotGrant {
	if q.HasActive(userID) {
		return SlotGrant{Granted: true}
	}
	if len(q.active) < q.maxSlots {
		q.dequeue(userID)
		q.active[pendingKey(userID, source)] = slotOwner{UserID: userID, Source: source}
		return SlotGrant{Granted: true}
	}
	for i, waiting := range q.waiting {
		if waiting == userID {
			return SlotGrant{Granted: false, QueuePosition: i + 1}
		}
	}
	q.waiting = append(q.waiting, userID)
	return SlotGrant{Granted: false, QueuePosition: len(q.waiting)}
}

// Finalize rekeys the pending reservation to the real producer id. A missing
// reservation is a no-op so out-of-order release/finalize cannot corrupt
// the accounting.
func (q *VideoSlotQueue) Finalize(userID domain.UserID, producerID string, source domain.MediaSource) {
	key := pendingKey(userID, source)
	owner, ok := q.active[key]
	if !ok || owner.UserID != userID {
		return
	}
	delete(q.active, key)
	q.active[producerID] = owner
}

// ReleaseByProducer frees the slot keyed by producerID if userID owns it,
// then promotes the longest-waiting user into the freed capacity. The
// promoted user re-acquires on retry; capacity stays free until then.
func (q *VideoSlotQueue) ReleaseByProducer(userID domain.UserID, producerID string) (domain.UserID, bool) {
	owner, ok := q.active[producerID]
	if !ok || owner.UserID != userID {
		return "", false
	}
	delete(q.active, producerID)
	return q.promote()
}

// ReleasePending drops an unfinalized reservation, e.g. when the engine
// call that was supposed to back it failed.
func (q *VideoSlotQueue) ReleasePending(userID domain.UserID, source domain.MediaSource) (domain.UserID, bool) {
	key := pendingKey(userID, source)
	owner, ok := q.active[key]
	if !ok || owner.UserID != userID {
		return "", false
	}
	delete(q.active, key)
	return q.promote()
}

// ReleaseUser drops every slot and queue entry held by the user and returns
// the users promoted into the freed capacity, oldest first.
func (q *VideoSlotQueue) ReleaseUser(userID domain.UserID) []domain.UserID {
	q.dequeue(userID)
	freed := 0
	for key, owner := range q.active {
		if owner.UserID == userID {
			delete(q.active, key)
			freed++
		}
	}
	var promoted []domain.UserID
	for ; freed > 0; freed-- {
		next, ok := q.promote()
		if !ok {
			break
		}
		promoted = append(promoted, next)
	}
	return promoted
}

func (q *VideoSlotQueue) promote() (domain.UserID, bool) {
	if len(q.waiting) == 0 || len(q.active) >= q.maxSlots {
		return "", false
	}
	next := q.waiting[0]
	q.waiting = q.waiting[1:]
	return next, true
}

func (q *VideoSlotQueue) dequeue(userID domain.UserID) {
	for i, waiting := range q.waiting {
		if waiting == userID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}
