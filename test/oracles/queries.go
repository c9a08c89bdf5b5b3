package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_journal_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT seq, LAG(seq) OVER (ORDER BY seq) AS prev FROM agreement_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O2_journal_chain_linked",
			SQL: `SELECT e.seq, p.seq AS prev_seq FROM agreement_events e
                  JOIN agreement_events p ON p.seq = e.seq - 1
                  WHERE e.prev_hash <> p.hash`,
		},
		{
			Name: "O3_journal_genesis",
			SQL: `SELECT seq FROM agreement_events
                  WHERE seq = 1 AND prev_hash <> decode(repeat('00', 32), 'hex')`,
		},
		{
			Name: "O4_outbox_per_event",
			SQL: `SELECT e.id FROM agreement_events e
                  LEFT JOIN outbox o ON o.event_id = e.id
                  WHERE o.id IS NULL`,
		},
		{
			Name: "O5_outbox_attempts",
			SQL: `SELECT id, status, attempts FROM outbox
                  WHERE (status = 'processed' AND attempts < 1)
                     OR (status = 'dead' AND attempts < 5)
                     OR (status = 'pending' AND attempts >= 5)
                     OR (status = 'pending' AND now() - created_at > interval '5 minutes')`,
		},
		{
			Name: "O6_custody_conservation",
			SQL: `WITH minted AS (
                      SELECT token, SUM(amount) AS total FROM wallet_transfers
                      WHERE direction = 'credit' GROUP BY token),
                  held AS (SELECT token, SUM(balance) AS total FROM wallets GROUP BY token)
                  SELECT m.token, m.total, h.total AS held, c.amount AS custody
                  FROM minted m
                  LEFT JOIN held h ON h.token = m.token
                  LEFT JOIN custody c ON c.token = m.token
                  WHERE m.total <> COALESCE(h.total, 0) + COALESCE(c.amount, 0)`,
		},
		{
			Name: "O7_wallet_replay",
			SQL: `SELECT w.account, w.token, w.balance, t.net FROM wallets w
                  JOIN (SELECT account, token,
                               SUM(CASE direction WHEN 'pull' THEN -amount ELSE amount END) AS net
                        FROM wallet_transfers GROUP BY account, token) t
                    ON t.account = w.account AND t.token = w.token
                  WHERE w.balance <> t.net`,
		},
		{
			Name: "O8_dispute_ruled_once",
			SQL: `SELECT id, status, ruling FROM disputes
                  WHERE (status = 'resolved') <> (ruling <> 0)
                     OR (status = 'resolved') <> (resolved_at IS NOT NULL)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
