package main

import "math"

const lamportsPerGor = 1_000_000_000

// Scoring formula: each feed is worth 50 base points plus 400 per GOR fed
const (
	feedBasePoints       = 50
	feedVolumeMultiplier = 400
)

// Per-wallet daily spend limits
const (
	maxDailyVolume = 0.25 // GOR
	maxDailyTxs    = 10
)

// Referral bonus shares of a referee's base score
const (
	level1BonusShare = 0.30
	level2BonusShare = 0.10
)

// Manual refunds return this share of yesterday's spend
const refundShare = 0.90

// GorToLamports converts a GOR amount to lamports, flooring
func GorToLamports(gor float64) int64 {
	return int64(math.Floor(gor * lamportsPerGor))
}

// LamportsToGor converts lamports to a GOR amount
func LamportsToGor(lamports int64) float64 {
	return float64(lamports) / lamportsPerGor
}

// CalculateStinkScore returns the points earned by a batch of feeds
func CalculateStinkScore(transactionCount int64, volumeGor float64) int64 {
	return int64(math.Floor(
		float64(transactionCount)*feedBasePoints + volumeGor*feedVolumeMultiplier,
	))
}

// ReferralBonus returns the bonus a referrer earns from one referee's base
// score at the given chain level.
func ReferralBonus(baseScore int64, level int) int64 {
	switch level {
	case 1:
		return int64(math.Floor(float64(baseScore) * level1BonusShare))
	case 2:
		return int64(math.Floor(float64(baseScore) * level2BonusShare))
	}
	return 0
}

// DailyLimits is the remaining headroom for a wallet today
type DailyLimits struct {
	VolumeLeft float64 `json:"dailyLeft"`
	TxLeft     int     `json:"txLeft"`
	TodayCount int     `json:"todayCount"`
	TodayVol   float64 `json:"todayVolume"`
}

// ComputeDailyLimits derives remaining limits from today's usage
func ComputeDailyLimits(volumeSpent float64, txCount int) DailyLimits {
	return DailyLimits{
		VolumeLeft: math.Max(0, maxDailyVolume-volumeSpent),
		TxLeft:     maxInt(0, maxDailyTxs-txCount),
		TodayCount: txCount,
		TodayVol:   volumeSpent,
	}
}

// CheckDailyLimits reports whether another feed of the given size fits
// within today's limits, with a human-readable reason when it does not.
func CheckDailyLimits(volumeSpent float64, txCount int, amountGor float64) (bool, string) {
	if txCount >= maxDailyTxs {
		return false, "Daily transaction limit reached"
	}
	if volumeSpent+amountGor > maxDailyVolume {
		return false, "Daily volume limit exceeded"
	}
	return true, ""
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
