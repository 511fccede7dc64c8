// Command audit cross-checks the ledger tables and reports rows that break
// the pool and settlement accounting. It exits non-zero when anything is found.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"prediction-rounds/internal/config"
	"prediction-rounds/internal/observability"
)

type check struct {
	name  string
	query string
}

var checks = []check{
	{
		name: "pool drift",
		query: `
			SELECT r.id, r.total_up_stake, r.total_down_stake,
			       COALESCE(SUM(p.amount) FILTER (WHERE p.direction = 'UP'), 0) AS stakes_up,
			       COALESCE(SUM(p.amount) FILTER (WHERE p.direction = 'DOWN'), 0) AS stakes_down
			FROM rounds r
			LEFT JOIN predictions p
			       ON p.round_id = r.id AND p.status NOT IN ('EMERGENCY_WITHDRAWN', 'VOID')
			GROUP BY r.id, r.total_up_stake, r.total_down_stake
			HAVING r.total_up_stake <> COALESCE(SUM(p.amount) FILTER (WHERE p.direction = 'UP'), 0)
			    OR r.total_down_stake <> COALESCE(SUM(p.amount) FILTER (WHERE p.direction = 'DOWN'), 0)
			ORDER BY r.id`,
	},
	{
		name: "settlement does not balance",
		query: `
			SELECT r.id, r.total_up_stake + r.total_down_stake AS total_pool,
			       COALESCE(SUM(p.winning_amount), 0) AS payouts, r.platform_fee, r.settlement_dust
			FROM rounds r
			LEFT JOIN predictions p
			       ON p.round_id = r.id AND p.status IN ('CLAIMABLE', 'CLAIMING', 'CLAIMED')
			WHERE r.status = 'RESOLVED'
			GROUP BY r.id, r.total_up_stake, r.total_down_stake, r.platform_fee, r.settlement_dust
			HAVING r.total_up_stake + r.total_down_stake
			    <> COALESCE(SUM(p.winning_amount), 0) + r.platform_fee + r.settlement_dust
			ORDER BY r.id`,
	},
	{
		name: "unsettled stake in resolved round",
		query: `
			SELECT p.id, p.round_id, p.status
			FROM predictions p
			JOIN rounds r ON r.id = p.round_id
			WHERE r.status = 'RESOLVED' AND p.status IN ('PENDING', 'CONFIRMED')
			ORDER BY p.round_id`,
	},
	{
		name: "withdrawal without transfer",
		query: `
			SELECT id, wallet_address, withdrawn_amount, withdrawn_at, release_started_at
			FROM predictions
			WHERE status = 'EMERGENCY_WITHDRAWN' AND withdraw_tx_hash IS NULL
			ORDER BY withdrawn_at`,
	},
	{
		name: "transfer unconfirmed",
		query: `
			SELECT id, status, wallet_address, COALESCE(claim_tx_hash, withdraw_tx_hash) AS tx, release_started_at
			FROM predictions
			WHERE release_started_at IS NOT NULL
			  AND release_started_at < NOW() - INTERVAL '1 hour'
			ORDER BY release_started_at`,
	},
	{
		name: "claim stuck in progress",
		query: `
			SELECT id, wallet_address, winning_amount, updated_at
			FROM predictions
			WHERE status = 'CLAIMING' AND claim_tx_hash IS NULL
			ORDER BY updated_at`,
	},
	{
		name: "frozen round",
		query: `
			SELECT id, status, COALESCE(frozen_reason, '') AS reason
			FROM rounds
			WHERE frozen
			ORDER BY id`,
	},
}

func main() {
	log := observability.NewLogger("audit")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	findings := 0
	for _, c := range checks {
		n, err := run(db, c)
		if err != nil {
			log.Fatal().Err(err).Str("check", c.name).Msg("audit query failed")
		}
		if n > 0 {
			log.Warn().Str("check", c.name).Int("rows", n).Msg("audit finding")
		} else {
			log.Info().Str("check", c.name).Msg("ok")
		}
		findings += n
	}

	if findings > 0 {
		os.Exit(1)
	}
}

// run prints every row returned by c and returns how many there were.
func run(db *sql.DB, c check) (int, error) {
	rows, err := db.Query(c.query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	n := 0
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return n, err
		}

		fmt.Printf("[%s]", c.name)
		for i, col := range cols {
			fmt.Printf(" %s=%s", col, values[i].String)
		}
		fmt.Println()
		n++
	}
	return n, rows.Err()
}
