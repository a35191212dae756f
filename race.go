package main

import (
	"fmt"
	"time"
)

// RaceStatus is the lifecycle phase of a race
type RaceStatus int

const (
	StatusForming RaceStatus = iota
	StatusCountdown
	StatusActive
	StatusFinished
)

func (s RaceStatus) String() string {
	switch s {
	case StatusForming:
		return "forming"
	case StatusCountdown:
		return "countdown"
	case StatusActive:
		return "active"
	case StatusFinished:
		return "finished"
	}
	return "unknown"
}

// Broadcaster delivers messages to one connected player
type Broadcaster interface {
	SendJSON(msg interface{})
	SendBinary(data []byte)
}

// Player is an ephemeral per-connection session. Created after payment
// verification succeeds, destroyed on disconnect or explicit leave.
type Player struct {
	ID            string
	WalletAddress string
	Username      string
	Arena         string
	Client        Broadcaster
	Position      PlayerPosition
	Score         int64
	ScoreReported bool
	Alive         bool
	Connected     bool
	Finished      bool
	JoinedAt      time.Time // queue admission time, breaks score ties
}

// NewRacePlayer creates a session for a verified join
func NewRacePlayer(id, wallet, username, arena string, client Broadcaster) *Player {
	return &Player{
		ID:            id,
		WalletAddress: wallet,
		Username:      username,
		Arena:         arena,
		Client:        client,
		Position:      PlayerPosition{X: 225, Y: 500},
		Alive:         true,
		Connected:     true,
		JoinedAt:      time.Now(),
	}
}

// Race owns one race instance from formation through settlement.
// All mutation happens under the RaceManager lock.
type Race struct {
	ID        string
	Arena     string
	Players   map[string]*Player
	Order     []string // claim order, used for deterministic tie-breaks
	Status    RaceStatus
	Seed      string
	StartTime time.Time
	Duration  time.Duration
	Bank      int64 // total entry fees collected, in lamports

	countdownTimer *time.Timer
	durationTimer  *time.Timer
}

// transition advances the race status. Transitions are monotonic; anything
// else is a logic error.
func (r *Race) transition(to RaceStatus) error {
	if to != r.Status+1 {
		return fmt.Errorf("illegal race transition %s -> %s", r.Status, to)
	}
	r.Status = to
	return nil
}

// stopTimers cancels any pending countdown/duration timers
func (r *Race) stopTimers() {
	if r.countdownTimer != nil {
		r.countdownTimer.Stop()
		r.countdownTimer = nil
	}
	if r.durationTimer != nil {
		r.durationTimer.Stop()
		r.durationTimer = nil
	}
}

// connectedCount returns how many participants still hold a live connection
func (r *Race) connectedCount() int {
	n := 0
	for _, p := range r.Players {
		if p.Connected {
			n++
		}
	}
	return n
}

// allDead reports whether every participant has died (or disconnected,
// which counts as a forfeit once the race is underway)
func (r *Race) allDead() bool {
	for _, p := range r.Players {
		if p.Alive {
			return false
		}
	}
	return len(r.Players) > 0
}

// participantInfos lists participants in claim order for announcements
func (r *Race) participantInfos() []RacePlayerInfo {
	infos := make([]RacePlayerInfo, 0, len(r.Order))
	for _, id := range r.Order {
		p, ok := r.Players[id]
		if !ok {
			continue
		}
		infos = append(infos, RacePlayerInfo{
			ID:            p.ID,
			Username:      p.Username,
			WalletAddress: p.WalletAddress,
		})
	}
	return infos
}

// broadcast sends a message to every connected participant
func (r *Race) broadcast(msg interface{}) {
	for _, p := range r.Players {
		if p.Connected && p.Client != nil {
			p.Client.SendJSON(msg)
		}
	}
}

// broadcastExcept sends a message to every connected participant but one
func (r *Race) broadcastExcept(exceptID string, msg interface{}) {
	for _, p := range r.Players {
		if p.ID == exceptID {
			continue
		}
		if p.Connected && p.Client != nil {
			p.Client.SendJSON(msg)
		}
	}
}
