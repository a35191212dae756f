package main

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPlayerLifecycle(t *testing.T) {
	db := openTestDB(t)

	p, err := db.GetPlayer("WalletA")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatal("unknown wallet should return nil, not an error")
	}

	if err := db.EnsurePlayer("WalletA"); err != nil {
		t.Fatal(err)
	}
	if err := db.EnsurePlayer("WalletA"); err != nil {
		t.Fatal("ensure must be idempotent:", err)
	}

	if err := db.SetNickname("WalletA", "Stinky"); err != nil {
		t.Fatal(err)
	}
	p, err = db.GetPlayer("WalletA")
	if err != nil || p == nil {
		t.Fatalf("player should exist: %v", err)
	}
	if p.Nickname != "Stinky" || p.TotalScore != 0 {
		t.Errorf("unexpected player row %+v", p)
	}
}

func TestRecordFeedUpdatesScores(t *testing.T) {
	db := openTestDB(t)

	stink := CalculateStinkScore(1, 0.1)
	if err := db.RecordFeed("WalletA", "sig-1", "Treasury", 0.1, stink); err != nil {
		t.Fatal(err)
	}

	p, _ := db.GetPlayer("WalletA")
	if p.TotalScore != stink || p.BaseScore != stink {
		t.Errorf("scores not credited: %+v", p)
	}
	if p.TransactionCount != 1 || p.TotalVolume != 0.1 {
		t.Errorf("counters not updated: %+v", p)
	}

	// The signature is the primary key: a replay must fail
	if err := db.RecordFeed("WalletA", "sig-1", "Treasury", 0.1, stink); err == nil {
		t.Error("duplicate feed signature must be rejected")
	}
	p, _ = db.GetPlayer("WalletA")
	if p.TransactionCount != 1 {
		t.Error("a rejected replay must not change counters")
	}

	feeds, err := db.RecentFeeds(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(feeds) != 1 || feeds[0].FromWallet != "WalletA" {
		t.Errorf("unexpected feeds %+v", feeds)
	}
	if feeds[0].AmountLamports != GorToLamports(0.1) {
		t.Errorf("amount stored in lamports: got %d", feeds[0].AmountLamports)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	db := openTestDB(t)

	db.RecordFeed("Low", "sig-l", "T", 0.01, 100)
	db.RecordFeed("High", "sig-h", "T", 0.01, 900)
	db.RecordFeed("Mid", "sig-m", "T", 0.01, 500)

	rows, err := db.GetLeaderboard(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 players, got %d", len(rows))
	}
	want := []string{"High", "Mid", "Low"}
	for i, w := range want {
		if rows[i].WalletAddress != w {
			t.Errorf("rank %d: expected %s, got %s", i+1, w, rows[i].WalletAddress)
		}
	}

	rows, _ = db.GetLeaderboard(2)
	if len(rows) != 2 {
		t.Errorf("limit not applied, got %d rows", len(rows))
	}
}

func TestReferralChainTwoLevels(t *testing.T) {
	db := openTestDB(t)
	for _, w := range []string{"Root", "Mid", "Leaf"} {
		db.EnsurePlayer(w)
	}

	// Root refers Mid, Mid refers Leaf; Root becomes Leaf's level-2 referrer
	ok, err := db.RegisterReferral("Mid", "Root")
	if err != nil || !ok {
		t.Fatalf("register Mid under Root: ok=%v err=%v", ok, err)
	}
	ok, err = db.RegisterReferral("Leaf", "Mid")
	if err != nil || !ok {
		t.Fatalf("register Leaf under Mid: ok=%v err=%v", ok, err)
	}

	l1, l2, err := db.ReferralChain("Leaf")
	if err != nil {
		t.Fatal(err)
	}
	if l1 != "Mid" || l2 != "Root" {
		t.Errorf("expected chain Mid/Root, got %s/%s", l1, l2)
	}

	// A referee binds exactly once
	ok, err = db.RegisterReferral("Leaf", "Root")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second registration for the same referee must be a no-op")
	}

	if n, _ := db.ReferralCount("Mid"); n != 1 {
		t.Errorf("Mid should have 1 direct referee, got %d", n)
	}
}

func TestUpdateReferralScore(t *testing.T) {
	db := openTestDB(t)
	db.EnsurePlayer("Root")
	db.RecordFeed("Mid", "sig-mid", "T", 0.01, 1000)
	db.RecordFeed("Leaf", "sig-leaf", "T", 0.01, 500)

	db.RegisterReferral("Mid", "Root")
	db.RegisterReferral("Leaf", "Mid")

	if err := db.UpdateReferralScore("Root"); err != nil {
		t.Fatal(err)
	}

	// 30% of Mid's 1000 base plus 10% of Leaf's 500 base
	p, _ := db.GetPlayer("Root")
	if p.ReferralScore != 350 {
		t.Errorf("expected referral score 350, got %d", p.ReferralScore)
	}
	if p.TotalScore != p.BaseScore+350 {
		t.Errorf("total must be base + bonus, got %d", p.TotalScore)
	}

	level1, err := db.ReferralsOf("Root", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(level1) != 1 || level1[0].Wallet != "Mid" || level1[0].BonusEarned != 300 {
		t.Errorf("unexpected level-1 referees %+v", level1)
	}
	level2, _ := db.ReferralsOf("Root", 2)
	if len(level2) != 1 || level2[0].Wallet != "Leaf" || level2[0].BonusEarned != 50 {
		t.Errorf("unexpected level-2 referees %+v", level2)
	}
}

func TestAchievementUnlocking(t *testing.T) {
	db := openTestDB(t)
	db.RecordFeed("WalletA", "sig-1", "T", 0.5, 250)

	unlocked := CheckAchievements(db, "WalletA", 0.5)
	ids := make(map[string]bool, len(unlocked))
	for _, a := range unlocked {
		ids[a.ID] = true
	}
	if !ids["first_feed"] {
		t.Error("first feed achievement should unlock")
	}
	if !ids["whale_05"] || !ids["whale_025"] {
		t.Error("0.5 GOR feed should unlock both whale tiers at or below it")
	}
	if ids["whale_1"] {
		t.Error("the 1 GOR whale tier must stay locked")
	}

	// Re-checking unlocks nothing new
	if again := CheckAchievements(db, "WalletA", 0.5); len(again) != 0 {
		t.Errorf("second check must be empty, got %v", again)
	}

	stored, err := db.GetAchievements("WalletA")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := stored["first_feed"]; !ok {
		t.Error("unlocked achievement must persist")
	}
}

func TestDailyUsageAccumulates(t *testing.T) {
	db := openTestDB(t)

	volume, count, err := db.DailyUsage("WalletA", "2026-08-30")
	if err != nil || volume != 0 || count != 0 {
		t.Fatalf("fresh wallet should read zero: %v %v %v", volume, count, err)
	}

	db.AddDailyUsage("WalletA", "2026-08-30", 0.1)
	db.AddDailyUsage("WalletA", "2026-08-30", 0.05)
	db.AddDailyUsage("WalletA", "2026-08-31", 0.2)

	volume, count, _ = db.DailyUsage("WalletA", "2026-08-30")
	if count != 2 {
		t.Errorf("expected 2 transactions, got %d", count)
	}
	if volume < 0.149 || volume > 0.151 {
		t.Errorf("expected ~0.15 volume, got %v", volume)
	}

	volume, count, _ = db.DailyUsage("WalletA", "2026-08-31")
	if count != 1 || volume != 0.2 {
		t.Errorf("days must not bleed into each other: %v %v", volume, count)
	}
}

func TestRefundRequestQueue(t *testing.T) {
	db := openTestDB(t)
	db.SetNickname("WalletA", "Stinky")

	last, err := db.LastRefundRequest("WalletA")
	if err != nil || last != nil {
		t.Fatalf("no request yet: %v %v", last, err)
	}

	if err := db.InsertRefundRequest("WalletA", "2026-08-29", 0.2, 0.18); err != nil {
		t.Fatal(err)
	}

	last, err = db.LastRefundRequest("WalletA")
	if err != nil || last == nil {
		t.Fatalf("request should exist: %v", err)
	}
	if last.Status != "pending" || last.RefundAmount != 0.18 {
		t.Errorf("unexpected request %+v", last)
	}

	pending, err := db.ListRefundRequests("pending")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Nickname != "Stinky" {
		t.Errorf("queue should resolve nicknames: %+v", pending)
	}

	if err := db.ResolveRefundRequest(pending[0].ID, "approved", "sent manually"); err != nil {
		t.Fatal(err)
	}
	if again, _ := db.ListRefundRequests("pending"); len(again) != 0 {
		t.Error("resolved request must leave the pending queue")
	}
	approved, _ := db.ListRefundRequests("approved")
	if len(approved) != 1 || approved[0].ProcessedAt == nil {
		t.Errorf("approval must stamp processed_at: %+v", approved)
	}
}

func TestSaveRaceResult(t *testing.T) {
	db := openTestDB(t)

	s := Settlement{
		Results: []PlayerResult{
			{Position: 1, PlayerID: "p1", WalletAddress: "W1", Score: 500, PrizeLamports: 90_000_000},
			{Position: 2, PlayerID: "p2", WalletAddress: "W2", Score: 100},
		},
		Bank:      100_000_000,
		PaidOut:   90_000_000,
		HouseEdge: 10_000_000,
	}
	sig := "prize_tx"
	if err := db.SaveRaceResult("race_1", ArenaBronze, s, &sig, 50_000_000); err != nil {
		t.Fatal(err)
	}
	// A failed disbursement persists with a null signature
	if err := db.SaveRaceResult("race_2", ArenaGold, s, nil, 250_000_000); err != nil {
		t.Fatal(err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if v := db.GetSetting("missing"); v != "" {
		t.Errorf("missing key should read empty, got %q", v)
	}
	db.SetSetting("k", "v1")
	db.SetSetting("k", "v2")
	if v := db.GetSetting("k"); v != "v2" {
		t.Errorf("expected v2, got %q", v)
	}
}
