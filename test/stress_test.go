package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"agreementflow/dispute"
	"agreementflow/journal"
	"agreementflow/ledger"
	"agreementflow/test/actors"
	"agreementflow/test/chaos"
	"agreementflow/test/infra"
	"agreementflow/test/oracles"
	"agreementflow/vault"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors per kind")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

const stressToken = ledger.TokenID("ANT")

func TestStorageConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no postgres available: %v", err)
		}
		pgC = &infra.PGContainer{}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	wallets := vault.NewRepository(pool)
	docket := dispute.NewRepository(pool)
	writer := journal.NewPGWriter(pool)

	accounts := mustSeed(t, ctx, wallets, *flConcurrency)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	cases := make(chan dispute.ID, *flConcurrency)

	for i := 0; i < *flConcurrency; i++ {
		account := accounts[i]
		actionID := uint64(i + 1)
		g.Go(func() error { return actors.Staker(ctx2, wallets, account, stressToken, stop) })
		g.Go(func() error { return actors.Journaler(ctx2, writer, actionID, stop) })
		g.Go(func() error { return actors.Ruler(ctx2, docket, cases, stop) })
	}
	g.Go(func() error { return actors.Minter(ctx2, wallets, accounts, stressToken, stop) })
	g.Go(func() error { return actors.Arbitrator(ctx2, docket, cases, stop) })
	for i := 0; i < 2; i++ {
		g.Go(func() error { return actors.Relayer(ctx2, pool, actors.FlakyPublisher{FailEvery: 4}, stop) })
	}
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may have killed the oracle's own connection
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				close(stop)
				t.Fatalf("Oracle %s failed. First row: %s", name, row)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// settle: one last pass once writers are quiet
	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle pass: %v", err)
	}
	if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("Oracle %s failed after run. First row: %s", name, row)
	}

	n, err := journal.NewPGReader(pool).Verify(context.Background())
	if err != nil {
		t.Fatalf("journal verify after %d entries: %v", n, err)
	}
	t.Logf("journal verified: %d entries", n)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeed(t *testing.T, ctx context.Context, wallets *vault.Repository, n int) []ledger.AccountID {
	t.Helper()
	accounts := make([]ledger.AccountID, n)
	for i := range accounts {
		accounts[i] = ledger.AccountID(fmt.Sprintf("stress-%d-%d", time.Now().UnixNano(), i))
		if err := wallets.Credit(ctx, accounts[i], stressToken, 500); err != nil {
			t.Fatalf("seed wallet %s: %v", accounts[i], err)
		}
	}
	return accounts
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"agreement_events", `SELECT seq, event_seq, type, action_id, encode(prev_hash, 'hex'), encode(hash, 'hex') FROM agreement_events ORDER BY seq DESC LIMIT 20`},
		{"outbox", `SELECT id, topic, status, attempts, last_error FROM outbox ORDER BY id DESC LIMIT 20`},
		{"wallet_transfers", `SELECT id, account, token, direction, amount FROM wallet_transfers ORDER BY id DESC LIMIT 20`},
		{"custody", `SELECT token, amount FROM custody`},
		{"disputes", `SELECT id, subject, status, ruling, resolved_at FROM disputes ORDER BY id DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
