package main

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// ---------- helpers ----------

// startRaceServer spins up an httptest.Server with a Hub wired to a
// fakeChain and a temp database. Returns the WebSocket URL.
func startRaceServer(t *testing.T, cfg RaceConfig) (string, *fakeChain) {
	t.Helper()

	db, err := OpenDB(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	chain := &fakeChain{verifyOK: true}
	hub := NewHub(db, chain, cfg, "test-admin")
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(SetupRoutes(hub, ""))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", chain
}

func duelConfig() RaceConfig {
	return RaceConfig{
		MinPlayers:    2,
		MaxPlayers:    2,
		WaitingTime:   100 * time.Millisecond,
		CountdownTime: 20 * time.Millisecond,
		RaceDuration:  5 * time.Second,
		BaseEntryFee:  50_000_000,
	}
}

// dialWS opens a WebSocket connection to the test server.
func dialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial WS: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// sendMsg sends a typed message over the WebSocket.
func sendMsg(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	raw, _ := json.Marshal(Envelope{T: msgType, Data: data})
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write WS: %v", err)
	}
}

// readEnvelope reads one message from the WebSocket. Binary frames are
// msgpack-encoded opponent positions.
func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read WS: %v", err)
	}
	if msgType == websocket.BinaryMessage {
		var pos OpponentPosMsg
		if err := msgpack.Unmarshal(raw, &pos); err != nil {
			t.Fatalf("msgpack unmarshal: %v", err)
		}
		return Envelope{T: MsgOpponentPos, Data: pos}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

// readUntil consumes messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn)
		if env.T == msgType {
			return env
		}
	}
	t.Fatalf("never received %s", msgType)
	return Envelope{}
}

// dataMap extracts the Data field as map[string]interface{}.
func dataMap(t *testing.T, env Envelope) map[string]interface{} {
	t.Helper()
	raw, _ := json.Marshal(env.Data)
	var m map[string]interface{}
	json.Unmarshal(raw, &m)
	return m
}

func joinRace(t *testing.T, conn *websocket.Conn, wallet, username, sig string) {
	t.Helper()
	sendMsg(t, conn, MsgJoinRace, JoinRaceMsg{
		WalletAddress: wallet,
		Username:      username,
		Arena:         ArenaBronze,
		PaymentSig:    sig,
	})
}

// ---------- race end-to-end ----------

func TestRaceEndToEnd(t *testing.T) {
	wsURL, chain := startRaceServer(t, duelConfig())

	c1 := dialWS(t, wsURL)
	c2 := dialWS(t, wsURL)

	joinRace(t, c1, "IntegrationWallet1", "racer-one", "it_sig_1")
	joined := readUntil(t, c1, MsgQueueJoined)
	if pos := dataMap(t, joined)["position"]; pos != float64(1) {
		t.Errorf("first joiner should be position 1, got %v", pos)
	}

	// Second joiner fills the duel and the race starts immediately
	joinRace(t, c2, "IntegrationWallet2", "racer-two", "it_sig_2")
	readUntil(t, c2, MsgQueueJoined)

	starting := readUntil(t, c1, MsgRaceStarting)
	sd := dataMap(t, starting)
	raceID, _ := sd["raceId"].(string)
	if raceID == "" {
		t.Fatal("race-starting must carry a race id")
	}
	if sd["seed"] == "" {
		t.Error("race-starting must carry a shared obstacle seed")
	}
	if players, ok := sd["players"].([]interface{}); !ok || len(players) != 2 {
		t.Errorf("expected 2 players in announcement, got %v", sd["players"])
	}
	readUntil(t, c2, MsgRaceStarting)

	readUntil(t, c1, MsgRaceStarted)
	readUntil(t, c2, MsgRaceStarted)

	// Position updates fan out to opponents as binary frames
	sendMsg(t, c1, MsgPosition, PlayerPosition{X: 10, Y: 20, VX: 1, VY: -1})
	opp := readUntil(t, c2, MsgOpponentPos)
	if pos, ok := opp.Data.(OpponentPosMsg); !ok || pos.Position.X != 10 {
		t.Errorf("unexpected opponent position %v", opp.Data)
	}

	sendMsg(t, c1, MsgScore, ScoreMsg{Score: 500})
	sendMsg(t, c2, MsgScore, ScoreMsg{Score: 300})
	readUntil(t, c2, MsgScoreUpdate)

	// Both racers dying ends the race early
	sendMsg(t, c2, MsgDied, nil)
	readUntil(t, c1, MsgPlayerDied)
	sendMsg(t, c1, MsgDied, nil)

	finished := readUntil(t, c1, MsgRaceFinished)
	fd := dataMap(t, finished)
	if fd["raceId"] != raceID {
		t.Errorf("finish for wrong race: %v", fd["raceId"])
	}
	results, ok := fd["results"].([]interface{})
	if !ok || len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", fd["results"])
	}
	winner := results[0].(map[string]interface{})
	if winner["walletAddress"] != "IntegrationWallet1" || winner["score"] != float64(500) {
		t.Errorf("unexpected winner %v", winner)
	}
	// 90% of the two-player bank of 100M lamports
	if winner["prizeLamports"] != float64(90_000_000) {
		t.Errorf("expected 90M prize, got %v", winner["prizeLamports"])
	}
	if fd["prizeTxSignature"] != "fake_prize_tx" {
		t.Errorf("expected disbursement signature, got %v", fd["prizeTxSignature"])
	}
	readUntil(t, c2, MsgRaceFinished)

	if chain.sentCount() != 1 {
		t.Errorf("expected exactly one disbursement, got %d", chain.sentCount())
	}
	payouts := chain.lastSent()
	if len(payouts) != 1 || payouts[0].To != "IntegrationWallet1" {
		t.Errorf("unexpected payouts %v", payouts)
	}
}

func TestQueueLeaveOverWebSocket(t *testing.T) {
	cfg := duelConfig()
	cfg.MaxPlayers = 4 // keep the duel from starting immediately
	cfg.WaitingTime = 5 * time.Second
	wsURL, _ := startRaceServer(t, cfg)

	c1 := dialWS(t, wsURL)
	joinRace(t, c1, "LeaverWallet", "leaver", "it_leave_sig")
	readUntil(t, c1, MsgQueueJoined)

	sendMsg(t, c1, MsgLeaveRace, nil)
	readUntil(t, c1, MsgRaceLeft)
}

func TestDuplicatePaymentOverWebSocket(t *testing.T) {
	cfg := duelConfig()
	cfg.MaxPlayers = 4
	cfg.WaitingTime = 5 * time.Second
	wsURL, _ := startRaceServer(t, cfg)

	c1 := dialWS(t, wsURL)
	joinRace(t, c1, "HonestWallet", "honest", "it_shared_sig")
	readUntil(t, c1, MsgQueueJoined)

	c2 := dialWS(t, wsURL)
	joinRace(t, c2, "ReplayWallet", "replayer", "it_shared_sig")
	env := readUntil(t, c2, MsgRaceError)
	if msg := dataMap(t, env)["message"]; msg != "Payment signature already used" {
		t.Errorf("unexpected rejection %v", msg)
	}
}

func TestRoomStatsOverWebSocket(t *testing.T) {
	cfg := duelConfig()
	cfg.MaxPlayers = 4
	cfg.WaitingTime = 5 * time.Second
	wsURL, _ := startRaceServer(t, cfg)

	c1 := dialWS(t, wsURL)
	joinRace(t, c1, "StatsWallet", "watcher", "it_stats_sig")
	readUntil(t, c1, MsgQueueJoined)

	sendMsg(t, c1, MsgGetRoomStats, nil)
	env := readUntil(t, c1, MsgRoomStats)
	sd := dataMap(t, env)
	if sd["waitingPlayers"] != float64(1) {
		t.Errorf("expected 1 waiting player, got %v", sd["waitingPlayers"])
	}
	queues, ok := sd["arenaQueues"].(map[string]interface{})
	if !ok || queues[ArenaBronze] != float64(1) {
		t.Errorf("unexpected arena queues %v", sd["arenaQueues"])
	}
}

func TestGenerateIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateID(8)
		if len(id) != 16 {
			t.Fatalf("GenerateID(8) should be 16 hex chars, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}
