package main

import "log"

// Achievement definitions
type AchievementDef struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Icon        string  `json:"icon"`
	Category    string  `json:"category"`
	Threshold   float64 `json:"threshold"`
}

var Achievements = []AchievementDef{
	{"first_feed", "First Bite", "Feed the monster once", "🗑️", "feeds", 1},
	{"ten_feeds", "Regular", "Feed the monster 10 times", "🍔", "feeds", 10},
	{"fifty_feeds", "Devoted Feeder", "Feed the monster 50 times", "🍕", "feeds", 50},
	{"hundred_feeds", "Glutton Keeper", "Feed the monster 100 times", "👑", "feeds", 100},
	{"whale_025", "Snack Whale", "Feed 0.25 GOR in one transaction", "🐟", "whale", 0.25},
	{"whale_05", "Meal Whale", "Feed 0.5 GOR in one transaction", "🐬", "whale", 0.5},
	{"whale_1", "Feast Whale", "Feed 1 GOR in one transaction", "🐋", "whale", 1},
	{"first_referral", "Recruiter", "Bring your first referral", "🤝", "referrals", 1},
	{"five_referrals", "Patch Builder", "Bring 5 referrals", "🏗️", "referrals", 5},
	{"ten_referrals", "Garbage Magnate", "Bring 10 referrals", "🏰", "referrals", 10},
	{"score_1k", "Stinker", "Reach 1,000 stink score", "💨", "score", 1000},
	{"score_10k", "Stench Lord", "Reach 10,000 stink score", "☁️", "score", 10000},
}

// AchievementByID provides O(1) lookup
var AchievementByID map[string]AchievementDef

func init() {
	AchievementByID = make(map[string]AchievementDef, len(Achievements))
	for _, a := range Achievements {
		AchievementByID[a.ID] = a
	}
}

// CheckAchievements checks if any new achievements should be unlocked for a
// wallet. feedAmount is the size of the feed that triggered the check (0 for
// non-feed triggers). Returns the newly unlocked definitions.
func CheckAchievements(db *DB, wallet string, feedAmount float64) []AchievementDef {
	if db == nil {
		return nil
	}

	player, err := db.GetPlayer(wallet)
	if err != nil || player == nil {
		return nil
	}
	referrals, err := db.ReferralCount(wallet)
	if err != nil {
		return nil
	}
	existing, err := db.GetAchievements(wallet)
	if err != nil {
		return nil
	}

	var unlocked []AchievementDef
	for _, a := range Achievements {
		if _, has := existing[a.ID]; has {
			continue
		}
		var met bool
		switch a.Category {
		case "feeds":
			met = float64(player.TransactionCount) >= a.Threshold
		case "whale":
			met = feedAmount >= a.Threshold
		case "referrals":
			met = float64(referrals) >= a.Threshold
		case "score":
			met = float64(player.TotalScore) >= a.Threshold
		}
		if !met {
			continue
		}
		fresh, err := db.UnlockAchievement(wallet, a.ID)
		if err != nil {
			log.Printf("unlock achievement %s for %.8s: %v", a.ID, wallet, err)
			continue
		}
		if fresh {
			unlocked = append(unlocked, a)
		}
	}
	return unlocked
}
