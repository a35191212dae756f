package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// PlayerRow represents a player record in the database
type PlayerRow struct {
	WalletAddress    string
	Nickname         string
	TotalScore       int64
	BaseScore        int64
	ReferralScore    int64
	TransactionCount int64
	TotalVolume      float64 // GOR
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FeedRow is one recorded feed transaction
type FeedRow struct {
	Signature      string
	FromWallet     string
	Nickname       string
	AmountLamports int64
	CreatedAt      time.Time
}

// RefundRequestRow is one manual-refund queue entry
type RefundRequestRow struct {
	ID              int64
	WalletAddress   string
	Nickname        string
	RequestedAt     time.Time
	CalculationDate string
	YesterdayVolume float64
	RefundAmount    float64
	Status          string
	ProcessedAt     *time.Time
	Notes           string
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS players (
		wallet_address TEXT PRIMARY KEY,
		nickname TEXT NOT NULL DEFAULT '',
		total_score INTEGER NOT NULL DEFAULT 0,
		base_score INTEGER NOT NULL DEFAULT 0,
		referral_score INTEGER NOT NULL DEFAULT 0,
		transaction_count INTEGER NOT NULL DEFAULT 0,
		total_volume REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS transactions (
		signature TEXT PRIMARY KEY,
		from_wallet TEXT NOT NULL,
		to_wallet TEXT NOT NULL,
		amount_lamports INTEGER NOT NULL,
		stink_earned INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS race_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		race_id TEXT NOT NULL,
		arena TEXT NOT NULL,
		results TEXT NOT NULL,
		prize_tx_signature TEXT,
		entry_fee_lamports INTEGER NOT NULL,
		bank_lamports INTEGER NOT NULL,
		house_edge_lamports INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS referral_chain (
		referee_wallet TEXT PRIMARY KEY,
		referrer_level1 TEXT NOT NULL,
		referrer_level2 TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS player_achievements (
		wallet_address TEXT NOT NULL,
		achievement_id TEXT NOT NULL,
		unlocked_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (wallet_address, achievement_id)
	);

	CREATE TABLE IF NOT EXISTS daily_usage (
		wallet_address TEXT NOT NULL,
		day TEXT NOT NULL,
		volume_spent REAL NOT NULL DEFAULT 0,
		tx_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (wallet_address, day)
	);

	CREATE TABLE IF NOT EXISTS refund_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_address TEXT NOT NULL,
		requested_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		calculation_date TEXT NOT NULL,
		yesterday_volume REAL NOT NULL,
		refund_amount REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		processed_at DATETIME,
		notes TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS analytics_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		wallet_address TEXT,
		race_id TEXT,
		data TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_players_total_score ON players(total_score);
	CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at);
	CREATE INDEX IF NOT EXISTS idx_referral_level1 ON referral_chain(referrer_level1);
	CREATE INDEX IF NOT EXISTS idx_referral_level2 ON referral_chain(referrer_level2);
	CREATE INDEX IF NOT EXISTS idx_refund_status ON refund_requests(status);
	`
	_, err := db.conn.Exec(schema)
	if err != nil {
		log.Printf("DB migration error: %v", err)
	}
	return err
}

// GetSetting reads one settings value ("" when unset)
func (db *DB) GetSetting(key string) string {
	var v string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if err != nil {
		return ""
	}
	return v
}

// SetSetting writes one settings value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// GetPlayer returns a player by wallet address, nil when absent
func (db *DB) GetPlayer(wallet string) (*PlayerRow, error) {
	row := db.conn.QueryRow(`
		SELECT wallet_address, nickname, total_score, base_score, referral_score,
		       transaction_count, total_volume, created_at, updated_at
		FROM players WHERE wallet_address = ?`, wallet)
	p := &PlayerRow{}
	err := row.Scan(&p.WalletAddress, &p.Nickname, &p.TotalScore, &p.BaseScore,
		&p.ReferralScore, &p.TransactionCount, &p.TotalVolume, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// EnsurePlayer creates an empty player record if none exists
func (db *DB) EnsurePlayer(wallet string) error {
	_, err := db.conn.Exec(
		"INSERT INTO players (wallet_address) VALUES (?) ON CONFLICT(wallet_address) DO NOTHING",
		wallet,
	)
	return err
}

// SetNickname updates a player's display name
func (db *DB) SetNickname(wallet, nickname string) error {
	if err := db.EnsurePlayer(wallet); err != nil {
		return err
	}
	_, err := db.conn.Exec(
		"UPDATE players SET nickname = ?, updated_at = CURRENT_TIMESTAMP WHERE wallet_address = ?",
		nickname, wallet,
	)
	return err
}

// RecordFeed credits a feed transaction in one transaction: the feed row,
// the player's counters, and the earned score.
func (db *DB) RecordFeed(wallet, signature, treasury string, amountGor float64, stinkEarned int64) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO players (wallet_address) VALUES (?) ON CONFLICT(wallet_address) DO NOTHING",
		wallet,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE players SET
			total_score = total_score + ?,
			base_score = base_score + ?,
			transaction_count = transaction_count + 1,
			total_volume = total_volume + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE wallet_address = ?`,
		stinkEarned, stinkEarned, amountGor, wallet,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO transactions (signature, from_wallet, to_wallet, amount_lamports, stink_earned) VALUES (?, ?, ?, ?, ?)",
		signature, wallet, treasury, GorToLamports(amountGor), stinkEarned,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetLeaderboard returns top players sorted by total score
func (db *DB) GetLeaderboard(limit int) ([]PlayerRow, error) {
	rows, err := db.conn.Query(`
		SELECT wallet_address, nickname, total_score, base_score, referral_score,
		       transaction_count, total_volume, created_at, updated_at
		FROM players ORDER BY total_score DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PlayerRow
	for rows.Next() {
		var p PlayerRow
		if err := rows.Scan(&p.WalletAddress, &p.Nickname, &p.TotalScore, &p.BaseScore,
			&p.ReferralScore, &p.TransactionCount, &p.TotalVolume, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// RecentFeeds returns the latest feed transactions with nicknames resolved
func (db *DB) RecentFeeds(limit int) ([]FeedRow, error) {
	rows, err := db.conn.Query(`
		SELECT t.signature, t.from_wallet, COALESCE(p.nickname, ''), t.amount_lamports, t.created_at
		FROM transactions t
		LEFT JOIN players p ON p.wallet_address = t.from_wallet
		ORDER BY t.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []FeedRow
	for rows.Next() {
		var f FeedRow
		if err := rows.Scan(&f.Signature, &f.FromWallet, &f.Nickname, &f.AmountLamports, &f.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// SaveRaceResult persists a settled race (insert-only)
func (db *DB) SaveRaceResult(raceID, arena string, s Settlement, prizeTx *string, entryFee int64) error {
	resultsJSON, err := json.Marshal(s.Results)
	if err != nil {
		return err
	}
	tx := sql.NullString{}
	if prizeTx != nil {
		tx = sql.NullString{String: *prizeTx, Valid: true}
	}
	_, err = db.conn.Exec(`
		INSERT INTO race_results (race_id, arena, results, prize_tx_signature,
			entry_fee_lamports, bank_lamports, house_edge_lamports)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		raceID, arena, string(resultsJSON), tx, entryFee, s.Bank, s.HouseEdge,
	)
	return err
}

// RegisterReferral links a referee to their referrer; the referrer's own
// referrer becomes the level-2 link. Returns false when the referee already
// has a referrer.
func (db *DB) RegisterReferral(referee, referrer string) (bool, error) {
	var level2 sql.NullString
	err := db.conn.QueryRow(
		"SELECT referrer_level1 FROM referral_chain WHERE referee_wallet = ?", referrer,
	).Scan(&level2)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}

	res, err := db.conn.Exec(`
		INSERT INTO referral_chain (referee_wallet, referrer_level1, referrer_level2)
		VALUES (?, ?, ?) ON CONFLICT(referee_wallet) DO NOTHING`,
		referee, referrer, level2,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReferralChain returns the level-1 and level-2 referrers of a referee
func (db *DB) ReferralChain(referee string) (level1, level2 string, err error) {
	var l2 sql.NullString
	err = db.conn.QueryRow(
		"SELECT referrer_level1, referrer_level2 FROM referral_chain WHERE referee_wallet = ?",
		referee,
	).Scan(&level1, &l2)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	return level1, l2.String, err
}

// ReferralDetail is one referee row in a referrer's dashboard
type ReferralDetail struct {
	Wallet      string `json:"wallet"`
	Nickname    string `json:"nickname"`
	BaseScore   int64  `json:"base_score"`
	TotalScore  int64  `json:"total_score"`
	BonusEarned int64  `json:"bonus_earned"`
	Level       int    `json:"level"`
}

// ReferralsOf lists the referees at a given level for a referrer
func (db *DB) ReferralsOf(wallet string, level int) ([]ReferralDetail, error) {
	col := "referrer_level1"
	if level == 2 {
		col = "referrer_level2"
	}
	rows, err := db.conn.Query(`
		SELECT r.referee_wallet, COALESCE(p.nickname, ''), COALESCE(p.base_score, 0), COALESCE(p.total_score, 0)
		FROM referral_chain r
		LEFT JOIN players p ON p.wallet_address = r.referee_wallet
		WHERE r.`+col+` = ?`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ReferralDetail
	for rows.Next() {
		var d ReferralDetail
		if err := rows.Scan(&d.Wallet, &d.Nickname, &d.BaseScore, &d.TotalScore); err != nil {
			return nil, err
		}
		d.Level = level
		d.BonusEarned = ReferralBonus(d.BaseScore, level)
		result = append(result, d)
	}
	return result, rows.Err()
}

// ReferralCount returns how many level-1 referees a wallet has
func (db *DB) ReferralCount(wallet string) (int, error) {
	var n int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM referral_chain WHERE referrer_level1 = ?", wallet,
	).Scan(&n)
	return n, err
}

// UpdateReferralScore recomputes a referrer's referral bonus from their
// referees' base scores and stores the new totals.
func (db *DB) UpdateReferralScore(wallet string) error {
	var bonus int64
	for _, level := range []int{1, 2} {
		refs, err := db.ReferralsOf(wallet, level)
		if err != nil {
			return err
		}
		for _, r := range refs {
			bonus += r.BonusEarned
		}
	}
	_, err := db.conn.Exec(`
		UPDATE players SET
			referral_score = ?,
			total_score = base_score + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE wallet_address = ?`,
		bonus, bonus, wallet,
	)
	return err
}

// GetAchievements returns the unlocked achievement ids for a wallet
func (db *DB) GetAchievements(wallet string) (map[string]time.Time, error) {
	rows, err := db.conn.Query(
		"SELECT achievement_id, unlocked_at FROM player_achievements WHERE wallet_address = ?",
		wallet,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		result[id] = at
	}
	return result, rows.Err()
}

// UnlockAchievement records an unlock; returns false when already unlocked
func (db *DB) UnlockAchievement(wallet, achievementID string) (bool, error) {
	res, err := db.conn.Exec(`
		INSERT INTO player_achievements (wallet_address, achievement_id)
		VALUES (?, ?) ON CONFLICT(wallet_address, achievement_id) DO NOTHING`,
		wallet, achievementID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DailyUsage returns the volume and transaction count spent on a given day
func (db *DB) DailyUsage(wallet, day string) (float64, int, error) {
	var volume float64
	var count int
	err := db.conn.QueryRow(
		"SELECT volume_spent, tx_count FROM daily_usage WHERE wallet_address = ? AND day = ?",
		wallet, day,
	).Scan(&volume, &count)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return volume, count, err
}

// AddDailyUsage accumulates spend against a wallet's daily limits
func (db *DB) AddDailyUsage(wallet, day string, amountGor float64) error {
	_, err := db.conn.Exec(`
		INSERT INTO daily_usage (wallet_address, day, volume_spent, tx_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(wallet_address, day) DO UPDATE SET
			volume_spent = volume_spent + excluded.volume_spent,
			tx_count = tx_count + 1`,
		wallet, day, amountGor,
	)
	return err
}

// LastRefundRequest returns the most recent refund request for a wallet,
// nil when none exists.
func (db *DB) LastRefundRequest(wallet string) (*RefundRequestRow, error) {
	row := db.conn.QueryRow(`
		SELECT id, wallet_address, requested_at, calculation_date, yesterday_volume,
		       refund_amount, status, processed_at, notes
		FROM refund_requests WHERE wallet_address = ?
		ORDER BY requested_at DESC LIMIT 1`, wallet)
	return scanRefundRequest(row)
}

// InsertRefundRequest queues a manual refund
func (db *DB) InsertRefundRequest(wallet, calculationDate string, yesterdayVolume, refundAmount float64) error {
	_, err := db.conn.Exec(`
		INSERT INTO refund_requests (wallet_address, calculation_date, yesterday_volume, refund_amount)
		VALUES (?, ?, ?, ?)`,
		wallet, calculationDate, yesterdayVolume, refundAmount,
	)
	return err
}

// ListRefundRequests returns the refund queue filtered by status
func (db *DB) ListRefundRequests(status string) ([]RefundRequestRow, error) {
	rows, err := db.conn.Query(`
		SELECT r.id, r.wallet_address, r.requested_at, r.calculation_date, r.yesterday_volume,
		       r.refund_amount, r.status, r.processed_at,
		       COALESCE(p.nickname, ''), r.notes
		FROM refund_requests r
		LEFT JOIN players p ON p.wallet_address = r.wallet_address
		WHERE r.status = ?
		ORDER BY r.requested_at DESC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RefundRequestRow
	for rows.Next() {
		var r RefundRequestRow
		var processed sql.NullTime
		if err := rows.Scan(&r.ID, &r.WalletAddress, &r.RequestedAt, &r.CalculationDate,
			&r.YesterdayVolume, &r.RefundAmount, &r.Status, &processed, &r.Nickname, &r.Notes); err != nil {
			return nil, err
		}
		if processed.Valid {
			r.ProcessedAt = &processed.Time
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ResolveRefundRequest marks a queued refund processed (approved or rejected)
func (db *DB) ResolveRefundRequest(id int64, status, notes string) error {
	_, err := db.conn.Exec(`
		UPDATE refund_requests SET status = ?, notes = ?, processed_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		status, notes, id,
	)
	return err
}

func scanRefundRequest(row *sql.Row) (*RefundRequestRow, error) {
	var r RefundRequestRow
	var processed sql.NullTime
	err := row.Scan(&r.ID, &r.WalletAddress, &r.RequestedAt, &r.CalculationDate,
		&r.YesterdayVolume, &r.RefundAmount, &r.Status, &processed, &r.Notes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if processed.Valid {
		r.ProcessedAt = &processed.Time
	}
	return &r, nil
}
