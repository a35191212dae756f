package main

import "encoding/json"

// Client -> Server event types
const (
	MsgJoinRace     = "join-race"
	MsgPosition     = "player-position"
	MsgScore        = "player-score"
	MsgDied         = "player-died"
	MsgLeaveRace    = "leave-race"
	MsgGetRoomStats = "get-room-stats"
)

// Server -> Client event types
const (
	MsgQueueJoined    = "race-queue-joined"
	MsgQueueUpdated   = "queue-updated"
	MsgTimerStarted   = "waiting-timer-started"
	MsgTimerCancelled = "waiting-timer-cancelled"
	MsgRaceStarting   = "race-starting"
	MsgRaceStarted    = "race-started"
	MsgOpponentPos    = "opponent-position"
	MsgScoreUpdate    = "score-update"
	MsgPlayerDied     = "player-died"
	MsgRaceFinished   = "race-finished"
	MsgRaceError      = "race-error"
	MsgRaceLeft       = "race-left"
	MsgRoomStats      = "room-stats"
)

// Envelope wraps all outgoing messages with an event name
type Envelope struct {
	T    string      `json:"t"`
	Data interface{} `json:"d,omitempty"`
}

// InEnvelope is used for incoming messages; json.RawMessage avoids double-unmarshal
type InEnvelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// JoinRaceMsg is sent by a client after paying the entry fee on-chain
type JoinRaceMsg struct {
	WalletAddress string `json:"walletAddress"`
	Username      string `json:"username"`
	Arena         string `json:"arena"`
	PaymentSig    string `json:"paymentSig"`
}

// PlayerPosition is the client's last reported platformer position
type PlayerPosition struct {
	X  float64 `json:"x" msgpack:"x"`
	Y  float64 `json:"y" msgpack:"y"`
	VX float64 `json:"vx" msgpack:"vx"`
	VY float64 `json:"vy" msgpack:"vy"`
}

// ScoreMsg carries a cumulative score update (last write wins)
type ScoreMsg struct {
	Score int64 `json:"score"`
}

// QueueJoinedMsg confirms admission to an arena queue
type QueueJoinedMsg struct {
	Position     int    `json:"position"`
	TotalPlayers int    `json:"totalPlayers"`
	MaxPlayers   int    `json:"maxPlayers"`
	Arena        string `json:"arena"`
}

// QueueEntry is one player's slot in a queue snapshot
type QueueEntry struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	WalletAddress string `json:"walletAddress"`
	Position      int    `json:"position"`
	IsYou         bool   `json:"isYou"`
}

// QueueUpdatedMsg renumbers the queue after a join or leave
type QueueUpdatedMsg struct {
	Position     int          `json:"position"`
	TotalPlayers int          `json:"totalPlayers"`
	MaxPlayers   int          `json:"maxPlayers"`
	Players      []QueueEntry `json:"players"`
}

// TimerStartedMsg announces the waiting grace window
type TimerStartedMsg struct {
	WaitingTime    int `json:"waitingTime"` // seconds
	CurrentPlayers int `json:"currentPlayers"`
	MaxPlayers     int `json:"maxPlayers"`
}

// TimerCancelledMsg announces the grace window was abandoned
type TimerCancelledMsg struct {
	Reason         string `json:"reason"`
	CurrentPlayers int    `json:"currentPlayers"`
	MinPlayers     int    `json:"minPlayers"`
}

// RacePlayerInfo identifies one participant in race announcements
type RacePlayerInfo struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	WalletAddress string `json:"walletAddress"`
}

// RaceStartingMsg is sent to claimed players when the countdown begins
type RaceStartingMsg struct {
	RaceID    string           `json:"raceId"`
	Players   []RacePlayerInfo `json:"players"`
	Countdown int64            `json:"countdown"` // milliseconds
	Duration  int64            `json:"duration"`  // milliseconds
	Seed      string           `json:"seed"`
}

// RaceStartedMsg marks the transition from countdown to active play
type RaceStartedMsg struct {
	RaceID    string `json:"raceId"`
	StartTime int64  `json:"startTime"` // unix milliseconds
}

// OpponentPosMsg relays a position update to the other racers.
// Relayed as an msgpack binary frame to keep the hot path cheap.
type OpponentPosMsg struct {
	PlayerID string         `json:"playerId" msgpack:"playerId"`
	Position PlayerPosition `json:"position" msgpack:"position"`
	Username string         `json:"username" msgpack:"username"`
}

// ScoreUpdateMsg relays a score update to everyone in the race
type ScoreUpdateMsg struct {
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
	Score    int64  `json:"score"`
}

// PlayerDiedMsg announces a death to the rest of the race
type PlayerDiedMsg struct {
	PlayerID   string `json:"playerId"`
	Username   string `json:"username"`
	FinalScore int64  `json:"finalScore"`
}

// RaceFinishedMsg carries the settlement outcome to all participants
type RaceFinishedMsg struct {
	RaceID           string         `json:"raceId"`
	Results          []PlayerResult `json:"results"`
	Duration         int64          `json:"duration"` // milliseconds
	PrizeTxSignature *string        `json:"prizeTxSignature"`
}

// RaceErrorMsg sends a terse, non-technical failure string to the client
type RaceErrorMsg struct {
	Message string `json:"message"`
}

// RoomStatsMsg aggregates waiting/active counts across arenas
type RoomStatsMsg struct {
	ActiveRaces        int            `json:"activeRaces"`
	WaitingPlayers     int            `json:"waitingPlayers"`
	TotalPlayersOnline int            `json:"totalPlayersOnline"`
	ArenaQueues        map[string]int `json:"arenaQueues"`
}
