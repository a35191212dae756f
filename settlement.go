package main

import (
	"log"
	"sort"
)

// houseEdgeTarget is the share of the bank the treasury retains
const houseEdgeTarget = 0.10

// prizeTable maps participant count to the share of the bank paid per rank.
// Unlisted ranks win nothing. Shares per row sum to strictly less than 1;
// the remainder is the house edge.
var prizeTable = map[int][]float64{
	2: {0.90, 0.0},
	3: {0.75, 0.15, 0.0},
	4: {0.65, 0.20, 0.05, 0.0},
}

// PlayerResult is one player's final standing in a settled race
type PlayerResult struct {
	Position      int    `json:"position"`
	PlayerID      string `json:"playerId"`
	Username      string `json:"username"`
	WalletAddress string `json:"walletAddress"`
	Score         int64  `json:"score"`
	IsAlive       bool   `json:"isAlive"`
	PrizeLamports int64  `json:"prizeLamports"`
}

// Payout is a single on-chain transfer in the disbursement batch
type Payout struct {
	To       string
	Lamports int64
}

// Settlement is the terminal accounting for one race
type Settlement struct {
	Results   []PlayerResult
	Payouts   []Payout // zero-value prizes filtered out
	Bank      int64
	PaidOut   int64
	HouseEdge int64
}

// ComputeSettlement ranks players by descending score and assigns prizes
// from the table. Ties resolve by earlier queue-join time, so being first
// in line is worth something. Players who never reported a score get zero,
// logged so a score-sync regression shows up in ops before it shows up in
// the prize ledger.
func ComputeSettlement(raceID string, bank int64, players []*Player) Settlement {
	ranked := make([]*Player, len(players))
	copy(ranked, players)

	for _, p := range ranked {
		if !p.ScoreReported {
			log.Printf("race %s: player %s (%s) never reported a score, settling at zero",
				raceID, p.ID, p.Username)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].JoinedAt.Before(ranked[j].JoinedAt)
	})

	percents := prizeTable[len(ranked)]

	s := Settlement{Bank: bank}
	for i, p := range ranked {
		var pct float64
		if percents != nil && i < len(percents) {
			pct = percents[i]
		}
		prize := int64(float64(bank) * pct) // floor via truncation
		s.Results = append(s.Results, PlayerResult{
			Position:      i + 1,
			PlayerID:      p.ID,
			Username:      p.Username,
			WalletAddress: p.WalletAddress,
			Score:         p.Score,
			IsAlive:       p.Alive,
			PrizeLamports: prize,
		})
		if prize > 0 {
			s.Payouts = append(s.Payouts, Payout{To: p.WalletAddress, Lamports: prize})
			s.PaidOut += prize
		}
	}
	s.HouseEdge = bank - s.PaidOut
	return s
}

// ExpectedEdgeCeiling is the largest house edge a well-configured prize
// table can produce: the target share plus one lamport of rounding slack.
func ExpectedEdgeCeiling(bank int64) int64 {
	return int64(float64(bank)*houseEdgeTarget) + 1
}

// CheckHouseEdge logs a warning when the retained edge exceeds the expected
// ceiling. This signals a prize-table misconfiguration; it never blocks
// settlement.
func CheckHouseEdge(raceID string, s Settlement) bool {
	ceiling := ExpectedEdgeCeiling(s.Bank)
	if s.HouseEdge > ceiling {
		log.Printf("WARNING race %s: house edge %d exceeds expected %d (bank %d, paid %d)",
			raceID, s.HouseEdge, ceiling, s.Bank, s.PaidOut)
		return false
	}
	return true
}
