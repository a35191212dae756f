package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

const leaderboardLimit = 100

// API serves the REST endpoints backing the frontend and admin panel
type API struct {
	hub         *Hub
	db          *DB
	frontendURL string
	startedAt   time.Time
}

func NewAPI(hub *Hub, frontendURL string) *API {
	return &API{
		hub:         hub,
		db:          hub.db,
		frontendURL: frontendURL,
		startedAt:   time.Now(),
	}
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireAdmin validates the Bearer token on admin-only endpoints
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || a.hub.auth.ValidateToken(token) != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	return true
}

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(a.startedAt).Seconds()),
		"clients":       a.hub.ClientCount(),
	})
}

func (a *API) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	players, err := a.db.GetLeaderboard(leaderboardLimit)
	if err != nil {
		log.Printf("leaderboard query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch leaderboard")
		return
	}

	type entry struct {
		Rank             int    `json:"rank"`
		Address          string `json:"address"`
		Nickname         string `json:"nickname"`
		StinkScore       int64  `json:"stinkScore"`
		BaseScore        int64  `json:"baseScore"`
		ReferralScore    int64  `json:"referralScore"`
		GarbagePatchSize int    `json:"garbagePatchSize"`
	}

	result := make([]entry, 0, len(players))
	for i, p := range players {
		refs, err := a.db.ReferralCount(p.WalletAddress)
		if err != nil {
			log.Printf("referral count failed for %s: %v", p.WalletAddress, err)
		}
		result = append(result, entry{
			Rank:             i + 1,
			Address:          p.WalletAddress,
			Nickname:         p.Nickname,
			StinkScore:       p.TotalScore,
			BaseScore:        p.BaseScore,
			ReferralScore:    p.ReferralScore,
			GarbagePatchSize: refs,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) statsHandler(w http.ResponseWriter, r *http.Request) {
	players, err := a.db.GetLeaderboard(leaderboardLimit)
	if err != nil {
		log.Printf("stats query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch stats")
		return
	}

	var totalTxs, totalStink int64
	for _, p := range players {
		totalTxs += p.TransactionCount
		totalStink += p.TotalScore
	}

	var king map[string]interface{}
	if len(players) > 0 {
		king = map[string]interface{}{
			"wallet":      players[0].WalletAddress,
			"total_score": players[0].TotalScore,
			"nickname":    players[0].Nickname,
		}
	}

	room := a.hub.races.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalPlayers":       len(players),
		"totalTransactions":  totalTxs,
		"totalStink":         totalStink,
		"currentKing":        king,
		"activeRaces":        room.ActiveRaces,
		"waitingPlayers":     room.WaitingPlayers,
		"totalPlayersOnline": room.TotalPlayersOnline,
	})
}

func (a *API) playerGetHandler(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")
	player, err := a.db.GetPlayer(wallet)
	if err != nil {
		log.Printf("player query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch player data")
		return
	}
	if player == nil {
		writeError(w, http.StatusNotFound, "Player not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":          player.WalletAddress,
		"nickname":         player.Nickname,
		"stinkScore":       player.TotalScore,
		"baseScore":        player.BaseScore,
		"referralScore":    player.ReferralScore,
		"transactionCount": player.TransactionCount,
		"totalVolume":      player.TotalVolume,
	})
}

func (a *API) playerUpsertHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string `json:"walletAddress"`
		Nickname      string `json:"nickname"`
		Signature     string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, "Wallet address is required")
		return
	}

	if req.Nickname != "" {
		if req.Signature == "" {
			writeError(w, http.StatusBadRequest, "Signature is required for nickname registration")
			return
		}
		if !VerifyWalletSignature(msgPrefixNickname+req.Nickname, req.Signature, req.WalletAddress) {
			writeError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
		if len(req.Nickname) > maxNameLen {
			req.Nickname = req.Nickname[:maxNameLen]
		}
	}

	if err := a.db.EnsurePlayer(req.WalletAddress); err != nil {
		log.Printf("ensure player failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create/update player")
		return
	}
	if req.Nickname != "" {
		if err := a.db.SetNickname(req.WalletAddress, req.Nickname); err != nil {
			log.Printf("set nickname failed: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to create/update player")
			return
		}
	}

	player, err := a.db.GetPlayer(req.WalletAddress)
	if err != nil || player == nil {
		writeError(w, http.StatusInternalServerError, "Failed to create/update player")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":       player.WalletAddress,
		"nickname":      player.Nickname,
		"stinkScore":    player.TotalScore,
		"baseScore":     player.BaseScore,
		"referralScore": player.ReferralScore,
	})
}

func (a *API) feedHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress        string  `json:"walletAddress"`
		TransactionSignature string  `json:"transactionSignature"`
		AmountGor            float64 `json:"amountSol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.WalletAddress == "" || req.TransactionSignature == "" || req.AmountGor <= 0 {
		writeError(w, http.StatusBadRequest, "Wallet address, transaction signature, and amount are required")
		return
	}

	day := utcDay(time.Now())
	volume, count, err := a.db.DailyUsage(req.WalletAddress, day)
	if err != nil {
		log.Printf("daily usage query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to check daily limits")
		return
	}
	if ok, reason := CheckDailyLimits(volume, count, req.AmountGor); !ok {
		limits := ComputeDailyLimits(volume, count)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":     reason,
			"dailyLeft": limits.VolumeLeft,
			"txLeft":    limits.TxLeft,
		})
		return
	}

	stinkEarned := CalculateStinkScore(1, req.AmountGor)
	if err := a.db.RecordFeed(req.WalletAddress, req.TransactionSignature,
		a.hub.chain.TreasuryAddress(), req.AmountGor, stinkEarned); err != nil {
		// Signature is the primary key, a duplicate insert means a replay
		log.Printf("record feed failed for %s: %v", req.TransactionSignature, err)
		writeError(w, http.StatusBadRequest, "Transaction already recorded")
		return
	}

	if err := a.db.AddDailyUsage(req.WalletAddress, day, req.AmountGor); err != nil {
		log.Printf("daily usage update failed: %v", err)
	}

	newAchievements := CheckAchievements(a.db, req.WalletAddress, req.AmountGor)
	for _, def := range newAchievements {
		a.hub.analytics.Track(EvtAchievement, req.WalletAddress, "", def.ID)
	}

	// Referrers earn a cut of the referee's base score
	level1, level2, err := a.db.ReferralChain(req.WalletAddress)
	if err != nil {
		log.Printf("referral chain lookup failed: %v", err)
	}
	for _, ref := range []string{level1, level2} {
		if ref == "" {
			continue
		}
		if err := a.db.UpdateReferralScore(ref); err != nil {
			log.Printf("referral score update failed for %s: %v", ref, err)
		}
	}

	a.hub.analytics.Track(EvtFeed, req.WalletAddress, "", strconv.FormatFloat(req.AmountGor, 'f', -1, 64))

	var newScore int64
	if player, err := a.db.GetPlayer(req.WalletAddress); err == nil && player != nil {
		newScore = player.TotalScore
	}

	limits := ComputeDailyLimits(volume+req.AmountGor, count+1)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"stinkEarned":     stinkEarned,
		"newScore":        newScore,
		"message":         "Feed successful! The monster is happy!",
		"newAchievements": newAchievements,
		"dailyLeft":       limits.VolumeLeft,
		"txLeft":          limits.TxLeft,
	})
}

func (a *API) feedsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	feeds, err := a.db.RecentFeeds(limit)
	if err != nil {
		log.Printf("feeds query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch feeds")
		return
	}

	type entry struct {
		Wallet    string    `json:"wallet"`
		Nickname  string    `json:"nickname"`
		AmountGor float64   `json:"amount_sol"`
		FedAt     time.Time `json:"fed_at"`
	}
	result := make([]entry, 0, len(feeds))
	for _, f := range feeds {
		result = append(result, entry{
			Wallet:    f.FromWallet,
			Nickname:  f.Nickname,
			AmountGor: LamportsToGor(f.AmountLamports),
			FedAt:     f.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) registerReferralHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefereeAddress  string `json:"refereeAddress"`
		ReferrerAddress string `json:"referrerAddress"`
		Signature       string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.RefereeAddress == "" || req.ReferrerAddress == "" {
		writeError(w, http.StatusBadRequest, "Referee and referrer addresses are required")
		return
	}
	if req.Signature == "" {
		writeError(w, http.StatusBadRequest, "Signature is required for referral registration")
		return
	}
	if req.RefereeAddress == req.ReferrerAddress {
		writeError(w, http.StatusBadRequest, "Self-referral is not allowed")
		return
	}
	if !VerifyWalletSignature(msgPrefixReferral+req.ReferrerAddress, req.Signature, req.RefereeAddress) {
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	if err := a.db.EnsurePlayer(req.RefereeAddress); err != nil {
		log.Printf("ensure referee failed: %v", err)
	}
	if err := a.db.EnsurePlayer(req.ReferrerAddress); err != nil {
		log.Printf("ensure referrer failed: %v", err)
	}

	registered, err := a.db.RegisterReferral(req.RefereeAddress, req.ReferrerAddress)
	if err != nil {
		log.Printf("register referral failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to register referral")
		return
	}
	if !registered {
		writeError(w, http.StatusBadRequest, "Referral already registered")
		return
	}

	level1, level2, err := a.db.ReferralChain(req.RefereeAddress)
	if err != nil {
		log.Printf("referral chain lookup failed: %v", err)
	}
	for _, ref := range []string{level1, level2} {
		if ref == "" {
			continue
		}
		if err := a.db.UpdateReferralScore(ref); err != nil {
			log.Printf("referral score update failed for %s: %v", ref, err)
		}
		for _, def := range CheckAchievements(a.db, ref, 0) {
			a.hub.analytics.Track(EvtAchievement, ref, "", def.ID)
		}
	}

	a.hub.analytics.Track(EvtReferral, req.RefereeAddress, "", req.ReferrerAddress)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Referral registered successfully",
	})
}

func (a *API) referralsHandler(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")

	level1, err := a.db.ReferralsOf(wallet, 1)
	if err != nil {
		log.Printf("referrals query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to get referrals")
		return
	}
	level2, err := a.db.ReferralsOf(wallet, 2)
	if err != nil {
		log.Printf("referrals query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to get referrals")
		return
	}

	referrals := append(append([]ReferralDetail{}, level1...), level2...)
	sort.Slice(referrals, func(i, j int) bool {
		return referrals[i].BonusEarned > referrals[j].BonusEarned
	})

	var totalBonus int64
	for _, ref := range referrals {
		totalBonus += ref.BonusEarned
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats": map[string]interface{}{
			"level1_count": len(level1),
			"level2_count": len(level2),
			"total_bonus":  totalBonus,
		},
		"level1_referrals": level1,
		"level2_referrals": level2,
		"referrals":        referrals,
		"bonus":            totalBonus,
	})
}

func (a *API) achievementsHandler(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")

	unlocked, err := a.db.GetAchievements(wallet)
	if err != nil {
		log.Printf("achievements query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch achievements")
		return
	}

	type entry struct {
		AchievementDef
		Unlocked   bool       `json:"unlocked"`
		UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
	}
	result := make([]entry, 0, len(Achievements))
	for _, def := range Achievements {
		e := entry{AchievementDef: def}
		if at, ok := unlocked[def.ID]; ok {
			e.Unlocked = true
			e.UnlockedAt = &at
		}
		result = append(result, e)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"achievements": result})
}

func (a *API) checkAchievementsHandler(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")
	newAchievements := CheckAchievements(a.db, wallet, 0)
	for _, def := range newAchievements {
		a.hub.analytics.Track(EvtAchievement, wallet, "", def.ID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"newAchievements": newAchievements,
		"message":         "Checked achievements for " + wallet,
	})
}

func (a *API) dailyLeftHandler(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")
	volume, count, err := a.db.DailyUsage(wallet, utcDay(time.Now()))
	if err != nil {
		log.Printf("daily usage query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to get daily limits")
		return
	}
	writeJSON(w, http.StatusOK, ComputeDailyLimits(volume, count))
}

func (a *API) refundAvailableHandler(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")
	now := time.Now().UTC()
	yesterday := utcDay(now.AddDate(0, 0, -1))

	volume, _, err := a.db.DailyUsage(wallet, yesterday)
	if err != nil {
		log.Printf("daily usage query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to check refund availability")
		return
	}

	last, err := a.db.LastRefundRequest(wallet)
	if err != nil {
		log.Printf("refund request query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to check refund availability")
		return
	}

	resp := map[string]interface{}{
		"available":       false,
		"yesterdayVolume": volume,
		"potentialRefund": volume * refundShare,
	}
	if last != nil {
		resp["lastRequestDate"] = last.RequestedAt
		resp["lastRequestStatus"] = last.Status
		resp["lastRequestAmount"] = last.RefundAmount
	}

	switch {
	case last != nil && utcDay(last.RequestedAt) == utcDay(now):
		resp["reason"] = "Refund already requested today"
	case volume <= 0:
		resp["reason"] = "No volume spent yesterday"
	default:
		resp["available"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) requestRefundHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string `json:"walletAddress"`
		Signature     string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, "Wallet address is required")
		return
	}
	if req.Signature == "" {
		writeError(w, http.StatusBadRequest, "Signature is required")
		return
	}

	now := time.Now().UTC()
	if !VerifyWalletSignature(msgPrefixRefund+utcDay(now), req.Signature, req.WalletAddress) {
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	last, err := a.db.LastRefundRequest(req.WalletAddress)
	if err != nil {
		log.Printf("refund request query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to process refund request")
		return
	}
	if last != nil && utcDay(last.RequestedAt) == utcDay(now) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "Refund already requested today",
		})
		return
	}

	yesterday := utcDay(now.AddDate(0, 0, -1))
	volume, _, err := a.db.DailyUsage(req.WalletAddress, yesterday)
	if err != nil {
		log.Printf("daily usage query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to process refund request")
		return
	}
	if volume <= 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "No volume spent yesterday",
		})
		return
	}

	refund := volume * refundShare
	if err := a.db.InsertRefundRequest(req.WalletAddress, yesterday, volume, refund); err != nil {
		log.Printf("insert refund request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to process refund request")
		return
	}

	a.hub.analytics.Track(EvtRefundRequest, req.WalletAddress, "", strconv.FormatFloat(refund, 'f', -1, 64))
	log.Printf("refund queued: wallet=%s amount=%.4f GOR (90%% of %.4f)", req.WalletAddress, refund, volume)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"message":         "Refund request queued for manual processing",
		"yesterdayVolume": volume,
		"refundAmount":    refund,
		"calculationDate": yesterday,
	})
}

func (a *API) refundRequestsHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}

	status := r.URL.Query().Get("status")
	if status == "" {
		status = "pending"
	}

	requests, err := a.db.ListRefundRequests(status)
	if err != nil {
		log.Printf("refund requests query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch refund requests")
		return
	}

	type entry struct {
		ID              int64      `json:"id"`
		WalletAddress   string     `json:"walletAddress"`
		Nickname        string     `json:"nickname"`
		RequestedAt     time.Time  `json:"requestedAt"`
		CalculationDate string     `json:"calculationDate"`
		YesterdayVolume float64    `json:"yesterdayVolume"`
		RefundAmount    float64    `json:"refundAmount"`
		Status          string     `json:"status"`
		ProcessedAt     *time.Time `json:"processedAt,omitempty"`
		Notes           string     `json:"notes"`
	}
	result := make([]entry, 0, len(requests))
	for _, req := range requests {
		result = append(result, entry{
			ID:              req.ID,
			WalletAddress:   req.WalletAddress,
			Nickname:        req.Nickname,
			RequestedAt:     req.RequestedAt,
			CalculationDate: req.CalculationDate,
			YesterdayVolume: req.YesterdayVolume,
			RefundAmount:    req.RefundAmount,
			Status:          req.Status,
			ProcessedAt:     req.ProcessedAt,
			Notes:           req.Notes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": result})
}

func (a *API) resolveRefundHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request id")
		return
	}

	var req struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Status != "approved" && req.Status != "rejected" {
		writeError(w, http.StatusBadRequest, "Status must be approved or rejected")
		return
	}

	if err := a.db.ResolveRefundRequest(id, req.Status, req.Notes); err != nil {
		log.Printf("resolve refund failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to resolve refund request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *API) adminLoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}

	token, err := a.hub.auth.Login(req.Password, extractIP(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) referralQRHandler(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")
	link := strings.TrimSuffix(a.frontendURL, "/") + "/?ref=" + wallet

	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		log.Printf("qr encode failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(png)
}
