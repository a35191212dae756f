package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Matchmaking configuration
type RaceConfig struct {
	MinPlayers    int           // quorum that arms the waiting timer
	MaxPlayers    int           // race starts immediately at this size
	WaitingTime   time.Duration // grace window, restarted on every joiner
	CountdownTime time.Duration
	RaceDuration  time.Duration
	BaseEntryFee  int64 // bronze entry fee in lamports
}

// DefaultRaceConfig mirrors the production tuning
func DefaultRaceConfig() RaceConfig {
	return RaceConfig{
		MinPlayers:    2,
		MaxPlayers:    4,
		WaitingTime:   15 * time.Second,
		CountdownTime: 3 * time.Second,
		RaceDuration:  60 * time.Second,
		BaseEntryFee:  50_000_000, // 0.05 GOR
	}
}

const settleTimeout = 60 * time.Second

// RaceManager owns the arena queues, the active races, and the consumed
// payment-signature set. All queue and race state is guarded by one mutex;
// on-chain I/O (payment lookup, prize disbursement) always happens with the
// lock released so a slow RPC can never stall matchmaking.
//
// Queues and the signature set live in this process only. Running more than
// one instance would need both moved to a shared store with atomic
// check-and-set; this deployment assumes a single coordinating process.
type RaceManager struct {
	mu  sync.Mutex
	cfg RaceConfig

	chain ChainClient
	db    *DB
	track EventTracker

	arenas     map[string]*Arena
	races      map[string]*Race
	playerRace map[string]string // player id -> race id
	usedSigs   map[string]bool   // consumed payment signatures, append-only

	// announce pushes a message to every connected client (room stats).
	// Set by the hub; nil in unit tests.
	announce func(Envelope)
}

// EventTracker receives analytics events; satisfied by *Analytics
type EventTracker interface {
	Track(evtType, wallet, raceID string, data string)
}

// NewRaceManager wires the matchmaking engine
func NewRaceManager(cfg RaceConfig, chain ChainClient, db *DB, track EventTracker) *RaceManager {
	m := &RaceManager{
		cfg:        cfg,
		chain:      chain,
		db:         db,
		track:      track,
		arenas:     make(map[string]*Arena),
		races:      make(map[string]*Race),
		playerRace: make(map[string]string),
		usedSigs:   make(map[string]bool),
	}
	for _, tier := range ArenaTiers {
		m.arenas[tier] = NewArena(tier, cfg.BaseEntryFee*arenaFeeMultiplier[tier])
	}
	return m
}

// SetAnnounce installs the broadcast-to-everyone hook
func (m *RaceManager) SetAnnounce(fn func(Envelope)) {
	m.announce = fn
}

// EntryFee returns the fee for a tier in lamports
func (m *RaceManager) EntryFee(tier string) int64 {
	return m.cfg.BaseEntryFee * arenaFeeMultiplier[tier]
}

// HandleJoin processes a join-race request: verify the entry-fee payment,
// consume the signature, then admit the player to the tier's queue. The
// payment lookup happens outside the lock; the signature is re-checked and
// recorded at use time, before admission, so a signature can never buy two
// queue slots even if verification races.
func (m *RaceManager) HandleJoin(playerID string, client Broadcaster, msg JoinRaceMsg) {
	arena := msg.Arena
	if arena == "" {
		arena = ArenaBronze
	}
	if !ValidArena(arena) {
		client.SendJSON(Envelope{T: MsgRaceError, Data: RaceErrorMsg{Message: "Unknown arena"}})
		return
	}
	if msg.PaymentSig == "" {
		client.SendJSON(Envelope{T: MsgRaceError, Data: RaceErrorMsg{Message: "Entry fee payment signature required"}})
		return
	}

	m.mu.Lock()
	used := m.usedSigs[msg.PaymentSig]
	m.mu.Unlock()
	if used {
		client.SendJSON(Envelope{T: MsgRaceError, Data: RaceErrorMsg{Message: "Payment signature already used"}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if !m.chain.VerifyPayment(ctx, msg.PaymentSig, msg.WalletAddress, m.EntryFee(arena)) {
		client.SendJSON(Envelope{T: MsgRaceError, Data: RaceErrorMsg{Message: "Invalid or insufficient entry fee payment"}})
		return
	}

	username := msg.Username
	if username == "" {
		username = "Anonymous"
	}

	m.mu.Lock()
	if m.usedSigs[msg.PaymentSig] {
		m.mu.Unlock()
		client.SendJSON(Envelope{T: MsgRaceError, Data: RaceErrorMsg{Message: "Payment signature already used"}})
		return
	}
	m.usedSigs[msg.PaymentSig] = true

	// A rejoin replaces any prior queue/race membership
	needSettle := m.removeLocked(playerID, false)

	player := NewRacePlayer(playerID, msg.WalletAddress, username, arena, client)
	q := m.arenas[arena]
	pos := q.Join(player)
	log.Printf("player %.8s joined %s queue (%d/%d)", msg.WalletAddress, arena, q.Len(), m.cfg.MaxPlayers)

	client.SendJSON(Envelope{T: MsgQueueJoined, Data: QueueJoinedMsg{
		Position:     pos,
		TotalPlayers: q.Len(),
		MaxPlayers:   m.cfg.MaxPlayers,
		Arena:        arena,
	}})
	m.broadcastQueueLocked(q)
	m.broadcastStatsLocked()
	m.tryStartLocked(q)
	m.mu.Unlock()

	if m.track != nil {
		m.track.Track(EvtRaceJoin, msg.WalletAddress, "", arena)
	}
	for _, id := range needSettle {
		m.endRace(id)
	}
}

// tryStartLocked re-evaluates start conditions for a tier after a join.
// Reaching max capacity starts a race immediately; holding quorum restarts
// the full grace window so a latecomer never joins a nearly-expired timer.
func (m *RaceManager) tryStartLocked(q *Arena) {
	if q.Len() >= m.cfg.MaxPlayers {
		q.CancelTimer()
		claimed := q.Claim(m.cfg.MaxPlayers)
		m.startRaceLocked(claimed, q)
		return
	}
	if q.Len() >= m.cfg.MinPlayers {
		tier := q.Tier
		q.ScheduleTimer(m.cfg.WaitingTime, func(gen uint64) { m.onWaitingTimer(tier, gen) })
		msg := Envelope{T: MsgTimerStarted, Data: TimerStartedMsg{
			WaitingTime:    int(m.cfg.WaitingTime / time.Second),
			CurrentPlayers: q.Len(),
			MaxPlayers:     m.cfg.MaxPlayers,
		}}
		for _, p := range q.Snapshot() {
			p.Client.SendJSON(msg)
		}
	}
}

// onWaitingTimer fires when a tier's grace window expires. The generation
// check drops callbacks that lost a cancel/reschedule race.
func (m *RaceManager) onWaitingTimer(tier string, gen uint64) {
	m.mu.Lock()
	q := m.arenas[tier]
	if gen != q.TimerGen() {
		m.mu.Unlock()
		return
	}
	q.expireTimer()
	claimed := q.Claim(m.cfg.MaxPlayers)
	if len(claimed) > 0 {
		log.Printf("waiting timer expired for %s, starting race with %d players", tier, len(claimed))
		m.startRaceLocked(claimed, q)
	}
	m.mu.Unlock()
}

// startRaceLocked forms a race from the claimed players and begins the
// countdown. The participant set is frozen from here on; only death and
// disconnect flags may change.
func (m *RaceManager) startRaceLocked(players []*Player, q *Arena) {
	raceID := "race_" + uuid.NewString()
	race := &Race{
		ID:       raceID,
		Arena:    q.Tier,
		Players:  make(map[string]*Player, len(players)),
		Status:   StatusForming,
		Seed:     GenerateID(4),
		Duration: m.cfg.RaceDuration,
		Bank:     int64(len(players)) * q.EntryFee,
	}
	for _, p := range players {
		race.Players[p.ID] = p
		race.Order = append(race.Order, p.ID)
		m.playerRace[p.ID] = raceID
	}
	if err := race.transition(StatusCountdown); err != nil {
		log.Printf("race %s: %v", raceID, err)
		return
	}
	m.races[raceID] = race

	race.broadcast(Envelope{T: MsgRaceStarting, Data: RaceStartingMsg{
		RaceID:    raceID,
		Players:   race.participantInfos(),
		Countdown: m.cfg.CountdownTime.Milliseconds(),
		Duration:  race.Duration.Milliseconds(),
		Seed:      race.Seed,
	}})
	log.Printf("race %s starting with %d players in %s (bank %d)", raceID, len(players), q.Tier, race.Bank)

	race.countdownTimer = time.AfterFunc(m.cfg.CountdownTime, func() { m.activateRace(raceID) })
	m.broadcastStatsLocked()

	if m.track != nil {
		m.track.Track(EvtRaceStart, "", raceID, q.Tier)
	}
}

// activateRace moves a race from countdown to active play and arms the
// duration timer.
func (m *RaceManager) activateRace(raceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	race, ok := m.races[raceID]
	if !ok || race.Status != StatusCountdown {
		return
	}
	if err := race.transition(StatusActive); err != nil {
		log.Printf("race %s: %v", raceID, err)
		return
	}
	race.StartTime = time.Now()
	race.broadcast(Envelope{T: MsgRaceStarted, Data: RaceStartedMsg{
		RaceID:    raceID,
		StartTime: race.StartTime.UnixMilli(),
	}})
	race.durationTimer = time.AfterFunc(race.Duration, func() { m.endRace(raceID) })
}

// HandlePosition relays a racer's position to their opponents. Positions are
// never persisted; the relay uses msgpack binary frames.
func (m *RaceManager) HandlePosition(playerID string, pos PlayerPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	race, player := m.activePlayerLocked(playerID)
	if race == nil || !player.Alive {
		return
	}
	player.Position = pos

	frame, err := msgpack.Marshal(OpponentPosMsg{
		PlayerID: playerID,
		Position: pos,
		Username: player.Username,
	})
	if err != nil {
		log.Printf("msgpack marshal: %v", err)
		return
	}
	for _, p := range race.Players {
		if p.ID != playerID && p.Connected && p.Client != nil {
			p.Client.SendBinary(frame)
		}
	}
}

// HandleScore records a score update (last write wins) and relays it to the
// whole race.
func (m *RaceManager) HandleScore(playerID string, score int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	race, player := m.activePlayerLocked(playerID)
	if race == nil || !player.Alive {
		return
	}
	player.Score = score
	player.ScoreReported = true

	race.broadcast(Envelope{T: MsgScoreUpdate, Data: ScoreUpdateMsg{
		PlayerID: playerID,
		Username: player.Username,
		Score:    score,
	}})
}

// HandleDeath marks a racer dead and settles early once nobody is left alive
func (m *RaceManager) HandleDeath(playerID string) {
	m.mu.Lock()
	raceID, ok := m.playerRace[playerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	race := m.races[raceID]
	player, ok := race.Players[playerID]
	if !ok || !player.Alive {
		m.mu.Unlock()
		return
	}
	player.Alive = false

	race.broadcastExcept(playerID, Envelope{T: MsgPlayerDied, Data: PlayerDiedMsg{
		PlayerID:   playerID,
		Username:   player.Username,
		FinalScore: player.Score,
	}})
	log.Printf("player %s died in race %s with score %d", player.Username, raceID, player.Score)

	settle := race.Status == StatusActive && race.allDead()
	m.mu.Unlock()

	if settle {
		m.endRace(raceID)
	}
}

// HandleLeave processes an explicit leave-race request
func (m *RaceManager) HandleLeave(playerID string, client Broadcaster) {
	m.mu.Lock()
	needSettle := m.removeLocked(playerID, true)
	m.mu.Unlock()

	client.SendJSON(Envelope{T: MsgRaceLeft})
	for _, id := range needSettle {
		m.endRace(id)
	}
}

// HandleDisconnect cleans up after a dropped connection
func (m *RaceManager) HandleDisconnect(playerID string) {
	m.mu.Lock()
	needSettle := m.removeLocked(playerID, true)
	m.mu.Unlock()

	for _, id := range needSettle {
		m.endRace(id)
	}
}

// removeLocked removes a player from whatever queue or race holds them.
// Idempotent. Inside a claimed race the player forfeits: they are marked
// dead but stay in the participant set so settlement still counts their
// last-known score. Returns race ids that must settle now (caller invokes
// endRace after releasing the lock).
func (m *RaceManager) removeLocked(playerID string, broadcastDeath bool) []string {
	for _, q := range m.arenas {
		if !q.Remove(playerID) {
			continue
		}
		log.Printf("player %s removed from %s queue (%d/%d)", playerID, q.Tier, q.Len(), m.cfg.MaxPlayers)
		m.broadcastQueueLocked(q)
		m.broadcastStatsLocked()
		if q.Len() < m.cfg.MinPlayers && q.TimerPending() {
			q.CancelTimer()
			msg := Envelope{T: MsgTimerCancelled, Data: TimerCancelledMsg{
				Reason:         "Not enough players",
				CurrentPlayers: q.Len(),
				MinPlayers:     m.cfg.MinPlayers,
			}}
			for _, p := range q.Snapshot() {
				p.Client.SendJSON(msg)
			}
		}
		break // a player is in at most one queue
	}

	raceID, ok := m.playerRace[playerID]
	if !ok {
		return nil
	}
	delete(m.playerRace, playerID)
	race := m.races[raceID]
	player, ok := race.Players[playerID]
	if !ok {
		return nil
	}
	player.Connected = false
	player.Client = nil
	wasAlive := player.Alive
	player.Alive = false

	if race.connectedCount() == 0 {
		// Orphaned race: every participant is gone, discard unsettled
		race.stopTimers()
		for _, p := range race.Players {
			delete(m.playerRace, p.ID)
		}
		delete(m.races, raceID)
		log.Printf("race %s abandoned by all players, discarded", raceID)
		m.broadcastStatsLocked()
		return nil
	}

	if wasAlive && broadcastDeath && race.Status >= StatusCountdown {
		race.broadcastExcept(playerID, Envelope{T: MsgPlayerDied, Data: PlayerDiedMsg{
			PlayerID:   playerID,
			Username:   player.Username,
			FinalScore: player.Score,
		}})
	}

	if race.Status == StatusActive && race.allDead() {
		return []string{raceID}
	}
	return nil
}

// endRace finishes a race exactly once: compute the settlement, attempt the
// on-chain disbursement, persist, broadcast, and only then clear the race
// from the active set. A disbursement failure is logged and surfaced as a
// null payout reference; funds are reconciled manually.
func (m *RaceManager) endRace(raceID string) {
	m.mu.Lock()
	race, ok := m.races[raceID]
	if !ok || race.Status != StatusActive {
		m.mu.Unlock()
		return
	}
	if err := race.transition(StatusFinished); err != nil {
		log.Printf("race %s: %v", raceID, err)
		m.mu.Unlock()
		return
	}
	race.stopTimers()

	players := make([]*Player, 0, len(race.Order))
	for _, id := range race.Order {
		players = append(players, race.Players[id])
	}
	bank := race.Bank
	tier := race.Arena
	m.mu.Unlock()

	settlement := ComputeSettlement(raceID, bank, players)

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	prizeTx, err := m.chain.SendPrizes(ctx, settlement.Payouts)
	if err != nil {
		log.Printf("race %s: prize disbursement failed: %v", raceID, err)
		prizeTx = nil
	} else if prizeTx != nil {
		log.Printf("race %s: prize payout tx %s", raceID, *prizeTx)
	}

	CheckHouseEdge(raceID, settlement)

	if m.db != nil {
		if err := m.db.SaveRaceResult(raceID, tier, settlement, prizeTx, m.EntryFee(tier)); err != nil {
			log.Printf("race %s: save results: %v", raceID, err)
		}
	}
	if m.track != nil {
		m.track.Track(EvtRaceEnd, "", raceID, tier)
	}

	m.mu.Lock()
	race.broadcast(Envelope{T: MsgRaceFinished, Data: RaceFinishedMsg{
		RaceID:           raceID,
		Results:          settlement.Results,
		Duration:         race.Duration.Milliseconds(),
		PrizeTxSignature: prizeTx,
	}})
	if len(settlement.Results) > 0 {
		log.Printf("race %s finished, winner %s with score %d",
			raceID, settlement.Results[0].Username, settlement.Results[0].Score)
	}
	for _, p := range race.Players {
		delete(m.playerRace, p.ID)
	}
	delete(m.races, raceID)
	m.broadcastStatsLocked()
	m.mu.Unlock()
}

// activePlayerLocked resolves a player inside their active race, or nil
func (m *RaceManager) activePlayerLocked(playerID string) (*Race, *Player) {
	raceID, ok := m.playerRace[playerID]
	if !ok {
		return nil, nil
	}
	race := m.races[raceID]
	if race == nil || race.Status != StatusActive {
		return nil, nil
	}
	player, ok := race.Players[playerID]
	if !ok {
		return nil, nil
	}
	return race, player
}

// broadcastQueueLocked renumbers a tier's queue for everyone still in it
func (m *RaceManager) broadcastQueueLocked(q *Arena) {
	snapshot := q.Snapshot()
	for i, viewer := range snapshot {
		entries := make([]QueueEntry, 0, len(snapshot))
		for j, p := range snapshot {
			entries = append(entries, QueueEntry{
				ID:            p.ID,
				Username:      p.Username,
				WalletAddress: p.WalletAddress,
				Position:      j + 1,
				IsYou:         p.ID == viewer.ID,
			})
		}
		viewer.Client.SendJSON(Envelope{T: MsgQueueUpdated, Data: QueueUpdatedMsg{
			Position:     i + 1,
			TotalPlayers: len(snapshot),
			MaxPlayers:   m.cfg.MaxPlayers,
			Players:      entries,
		}})
	}
}

// Stats returns the current waiting/active aggregate
func (m *RaceManager) Stats() RoomStatsMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *RaceManager) statsLocked() RoomStatsMsg {
	queues := make(map[string]int, len(m.arenas))
	waiting := 0
	for tier, q := range m.arenas {
		queues[tier] = q.Len()
		waiting += q.Len()
	}
	racing := 0
	for _, race := range m.races {
		racing += race.connectedCount()
	}
	return RoomStatsMsg{
		ActiveRaces:        len(m.races),
		WaitingPlayers:     waiting,
		TotalPlayersOnline: waiting + racing,
		ArenaQueues:        queues,
	}
}

func (m *RaceManager) broadcastStatsLocked() {
	if m.announce == nil {
		return
	}
	m.announce(Envelope{T: MsgRoomStats, Data: m.statsLocked()})
}

// HandleStatsRequest answers get-room-stats for one client
func (m *RaceManager) HandleStatsRequest(client Broadcaster) {
	client.SendJSON(Envelope{T: MsgRoomStats, Data: m.Stats()})
}
