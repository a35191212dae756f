package main

import (
	"time"
)

// Arena tiers, distinguished by entry fee size
const (
	ArenaBronze = "bronze"
	ArenaSilver = "silver"
	ArenaGold   = "gold"
)

// ArenaTiers lists all tiers in display order
var ArenaTiers = []string{ArenaBronze, ArenaSilver, ArenaGold}

// entry fee multipliers relative to the configured base fee
var arenaFeeMultiplier = map[string]int64{
	ArenaBronze: 1,
	ArenaSilver: 2,
	ArenaGold:   5,
}

// ValidArena reports whether the tier name is one we run queues for
func ValidArena(tier string) bool {
	_, ok := arenaFeeMultiplier[tier]
	return ok
}

// Arena is one matchmaking pool: an insertion-ordered waiting queue plus the
// zero-or-one waiting timer that belongs to it. The timer is owned here so
// cancel-then-reschedule is a single operation and two timers can never be
// live for the same tier. All access happens under the RaceManager lock.
type Arena struct {
	Tier     string
	EntryFee int64 // lamports per player

	queue []*Player

	timer    *time.Timer
	timerGen uint64 // invalidates stale timer callbacks
}

// NewArena creates an empty arena for a tier
func NewArena(tier string, entryFee int64) *Arena {
	return &Arena{Tier: tier, EntryFee: entryFee}
}

// Join appends a player and returns their 1-based queue position
func (a *Arena) Join(p *Player) int {
	a.queue = append(a.queue, p)
	return len(a.queue)
}

// Remove takes a player out of the queue. Idempotent; returns true if the
// player was present.
func (a *Arena) Remove(playerID string) bool {
	for i, p := range a.queue {
		if p.ID == playerID {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether a player is waiting in this arena
func (a *Arena) Contains(playerID string) bool {
	for _, p := range a.queue {
		if p.ID == playerID {
			return true
		}
	}
	return false
}

// Len returns the current queue length
func (a *Arena) Len() int {
	return len(a.queue)
}

// Claim removes and returns up to n players from the front of the queue
func (a *Arena) Claim(n int) []*Player {
	if n > len(a.queue) {
		n = len(a.queue)
	}
	claimed := a.queue[:n]
	a.queue = a.queue[n:]
	return claimed
}

// Snapshot returns the ordered queue contents for broadcasting
func (a *Arena) Snapshot() []*Player {
	out := make([]*Player, len(a.queue))
	copy(out, a.queue)
	return out
}

// ScheduleTimer cancels any pending waiting timer and schedules a fresh one
// with the full grace window. fire runs on a timer goroutine; it must
// re-enter through the manager, which checks the generation to drop stale
// callbacks.
func (a *Arena) ScheduleTimer(window time.Duration, fire func(gen uint64)) {
	a.CancelTimer()
	a.timerGen++
	gen := a.timerGen
	a.timer = time.AfterFunc(window, func() { fire(gen) })
}

// CancelTimer stops the pending waiting timer, if any
func (a *Arena) CancelTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

// TimerPending reports whether a waiting timer is live
func (a *Arena) TimerPending() bool {
	return a.timer != nil
}

// TimerGen returns the current timer generation
func (a *Arena) TimerGen() uint64 {
	return a.timerGen
}

// expireTimer clears the timer handle once its callback has been accepted
func (a *Arena) expireTimer() {
	a.timer = nil
}
