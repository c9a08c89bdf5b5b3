package main

import (
	"context"
	"fmt"
	"log/slog"

	"agreementflow/agreement"
	"agreementflow/arbitrator"
	"agreementflow/auth"
	"agreementflow/config"
	"agreementflow/db"
	"agreementflow/dispute"
	"agreementflow/events"
	"agreementflow/journal"
	"agreementflow/ledger"
	"agreementflow/relay"
	"agreementflow/vault"
)

// journalReader serves GET /api/events.
type journalReader interface {
	List(ctx context.Context, filters journal.Filters) (journal.ListResult, error)
	Verify(ctx context.Context) (int, error)
}

type app struct {
	agreements *agreement.Service
	court      *arbitrator.Court
	auth       *auth.Service
	wallets    vault.Store
	journal    journalReader
	relay      *relay.Relay
	closers    []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type backends struct {
	wallets  vault.Store
	docket   dispute.Store
	accounts auth.Repository
	sink     events.Sink
	reader   journalReader
	// durable is set when wallets and the docket outlive the process, so
	// journal history can be restored against them.
	durable bool
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, extra ...agreement.Option) (*app, error) {
	a := &app{}
	b, err := a.backends(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.wallets = b.wallets
	a.journal = b.reader
	a.auth = auth.NewService(b.accounts, cfg.JWTSecret)

	for _, seed := range []struct {
		acct config.Account
		role auth.Role
	}{
		{cfg.Operator, auth.RoleOperator},
		{cfg.Arbitrator.Account, auth.RoleArbitrator},
	} {
		if seed.acct.Email == "" {
			continue
		}
		if _, err := a.auth.Ensure(ctx, auth.RegisterRequest{
			ID:       seed.acct.ID,
			Email:    seed.acct.Email,
			Password: seed.acct.Password,
			FullName: string(seed.role),
			Role:     seed.role,
		}); err != nil {
			a.Close()
			return nil, fmt.Errorf("seed %s account: %w", seed.role, err)
		}
	}

	fees := arbitrator.Fees{
		Token:  ledger.TokenID(cfg.Arbitrator.FeeToken),
		Amount: ledger.Amount(cfg.Arbitrator.FeeAmount),
	}
	a.court = arbitrator.NewCourt(ledger.AccountID(cfg.Arbitrator.Account.ID), fees, b.docket,
		arbitrator.WithLogger(logger.With("component", "court")))

	directory := arbitrator.NewDirectory()
	directory.Register(a.court.Identity(), a.court)

	opts := append([]agreement.Option{agreement.WithLogger(logger.With("component", "agreement"))}, extra...)
	a.agreements = agreement.New(b.wallets, directory, b.sink, opts...)
	a.court.Bind(a.agreements)

	if err := a.start(ctx, cfg, b, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// start restores the engine from the journal, or initializes it when the
// journal holds no setting yet.
func (a *app) start(ctx context.Context, cfg config.Config, b backends, logger *slog.Logger) error {
	operator := ledger.AccountID(cfg.Operator.ID)
	history, err := journal.History(ctx, b.reader)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if len(history) > 0 {
		if !b.durable {
			return fmt.Errorf("journal holds %d events but the %s driver keeps wallets and disputes in memory; start from an empty journal or use the postgres driver",
				len(history), cfg.Journal.Driver)
		}
		if err := a.agreements.Restore(operator, history); err != nil {
			return fmt.Errorf("restore agreement: %w", err)
		}
	}
	if id := a.agreements.CurrentSettingID(); id > 0 {
		logger.Info("agreement restored from journal, configured setting ignored", "events", len(history), "setting_id", id)
		return nil
	}

	if _, err := a.agreements.Initialize(ctx, agreement.InitParams{
		Operator: operator,
		Setting:  cfg.SettingParams(),
	}); err != nil {
		return fmt.Errorf("initialize agreement: %w", err)
	}
	return nil
}

func (a *app) backends(ctx context.Context, cfg config.Config, logger *slog.Logger) (backends, error) {
	switch cfg.Journal.Driver {
	case config.JournalPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return backends{}, fmt.Errorf("bootstrap database pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.RequireTables(ctx, pool, db.Tables...); err != nil {
			return backends{}, fmt.Errorf("apply migrations/*.sql first: %w", err)
		}

		if cfg.Redis.Addr != "" {
			client := relay.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			a.closers = append(a.closers, func() { _ = client.Close() })
			a.relay = relay.New(relay.NewPGStore(pool),
				relay.NewRedisPublisher(client, cfg.Redis.Stream, cfg.Redis.MaxLen),
				relay.WithLogger(logger.With("component", "relay")),
				relay.WithBatchSize(cfg.Relay.BatchSize),
				relay.WithMaxAttempts(cfg.Relay.MaxAttempts),
				relay.WithInterval(cfg.Relay.Interval.Std()),
			)
		}
		return backends{
			wallets:  vault.NewRepository(pool),
			docket:   dispute.NewRepository(pool),
			accounts: auth.NewRepository(pool),
			sink:     journal.NewPGWriter(pool),
			reader:   journal.NewPGReader(pool),
			durable:  true,
		}, nil

	default:
		path := cfg.Journal.SQLitePath
		if cfg.Journal.Driver == config.JournalMemory {
			path = ":memory:"
		}
		j, err := journal.OpenSQLite(ctx, path)
		if err != nil {
			return backends{}, err
		}
		a.closers = append(a.closers, func() { _ = j.Close() })
		return backends{
			wallets:  vault.NewMemory(),
			docket:   dispute.NewMemory(),
			accounts: auth.NewMemoryRepository(),
			sink:     j,
			reader:   j,
		}, nil
	}
}
