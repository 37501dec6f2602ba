package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DiegoSheetszu/Cadastrei/internal/db"
	"github.com/DiegoSheetszu/Cadastrei/internal/ops"
	"github.com/DiegoSheetszu/Cadastrei/internal/outbox"
	"github.com/DiegoSheetszu/Cadastrei/internal/registry"
	"github.com/DiegoSheetszu/Cadastrei/internal/runner"
	"github.com/DiegoSheetszu/Cadastrei/internal/service/syncservice"
	"github.com/DiegoSheetszu/Cadastrei/internal/source"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run both sync engines, the dispatcher and the ops server until signaled",
		Args:  cobra.NoArgs,
		RunE:  runAll,
	}
}

func runAll(cmd *cobra.Command, _ []string) error {
	cfg, err := loadApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sourceDB := cfg.Source.Database(cfg.Env)

	tgt, err := openTarget(ctx, cfg)
	if err != nil {
		return err
	}
	defer tgt.Close()

	src, err := db.Open(ctx, cfg.DB, sourceDB)
	if err != nil {
		return err
	}
	defer src.Close()

	reader, err := source.NewReader(src, cfg.Source.Schema(cfg.Env), log.Logger)
	if err != nil {
		return err
	}

	empStore, err := outbox.NewEmployeeStore(ctx, tgt, cfg.Target.Schema, cfg.Target.EmployeeTable, log.Logger)
	if err != nil {
		return err
	}
	if err := empStore.EnsureAuxTables(ctx); err != nil {
		return err
	}
	leaveStore, err := outbox.NewLeaveStore(ctx, tgt, cfg.Target.Schema, cfg.Target.LeaveTable, log.Logger)
	if err != nil {
		return err
	}
	if err := leaveStore.EnsureAuxTables(ctx); err != nil {
		return err
	}

	empSync := syncservice.NewEmployeeService(reader, empStore, sourceDB, cfg.EmployeeSync.BatchSize,
		log.With().Str("worker", "sync-motoristas").Logger())
	leaveSync := syncservice.NewLeaveService(reader, leaveStore, sourceDB, cfg.LeaveSync.BatchSize, leaveStartDate(cfg),
		log.With().Str("worker", "sync-afastamentos").Logger())

	d := newDispatcher(cfg, tgt, log.With().Str("worker", "dispatch").Logger())
	d.reg = openRegistry(cfg)

	// Building the default queues up front validates the outbox layout
	// at startup and warms the dispatcher cache.
	empQueue, err := d.queue(ctx, registry.TypeEmployee, cfg.Target.EmployeeTable)
	if err != nil {
		return err
	}
	leaveQueue, err := d.queue(ctx, registry.TypeLeave, cfg.Target.LeaveTable)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	start := func(name string, every time.Duration, cycle runner.Cycle) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = runner.New(name, every, nil, log.Logger).Run(ctx, cycle)
		}()
	}

	start("sync-motoristas", cfg.EmployeeSync.Interval, func(ctx context.Context) error {
		_, err := empSync.RunOneCycle(ctx)
		return err
	})
	start("sync-afastamentos", cfg.LeaveSync.Interval, func(ctx context.Context) error {
		_, err := leaveSync.RunOneCycle(ctx)
		return err
	})
	start("dispatch", cfg.Dispatch.Interval, func(ctx context.Context) error {
		_, err := d.runCycle(ctx)
		return err
	})

	var opsErr error
	if cfg.OpsAddr != "" {
		srv := &ops.Server{
			DB:            tgt,
			SourceDB:      sourceDB,
			Employees:     empQueue,
			Leaves:        leaveQueue,
			EmployeeState: empStore,
			LeaveState:    leaveStore,
			Log:           log.With().Str("worker", "ops").Logger(),
		}
		if d.reg != nil {
			srv.Profiles = d.reg
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, cfg.OpsAddr); err != nil {
				log.Error().Err(err).Msg("ops server failed")
				opsErr = err
				stop()
			}
		}()
	}

	wg.Wait()
	log.Info().Msg("all workers stopped")
	return opsErr
}
