package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DiegoSheetszu/Cadastrei/internal/db"
	"github.com/DiegoSheetszu/Cadastrei/internal/outbox"
	"github.com/DiegoSheetszu/Cadastrei/internal/registry"
	"github.com/DiegoSheetszu/Cadastrei/internal/runner"
	"github.com/DiegoSheetszu/Cadastrei/internal/service/syncservice"
	"github.com/DiegoSheetszu/Cadastrei/internal/source"
)

func newSyncCommand() *cobra.Command {
	var (
		once     bool
		interval int
		batch    int
		sourceDB string
	)

	cmd := &cobra.Command{
		Use:   "sync motoristas|afastamentos",
		Short: "Capture source changes into the outbox tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := eventType(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadApp()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if sourceDB == "" {
				sourceDB = cfg.Source.Database(cfg.Env)
			}
			wlog := log.With().Str("worker", "sync-"+typ).Logger()

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

			reader, err := source.NewReader(src, cfg.Source.Schema(cfg.Env), wlog)
			if err != nil {
				return err
			}

			var (
				cycle runner.Cycle
				every time.Duration
			)
			switch typ {
			case registry.TypeEmployee:
				store, err := outbox.NewEmployeeStore(ctx, tgt, cfg.Target.Schema, cfg.Target.EmployeeTable, wlog)
				if err != nil {
					return err
				}
				if err := store.EnsureAuxTables(ctx); err != nil {
					return err
				}
				size := cfg.EmployeeSync.BatchSize
				if batch > 0 {
					size = batch
				}
				svc := syncservice.NewEmployeeService(reader, store, sourceDB, size, wlog)
				cycle = func(ctx context.Context) error {
					_, err := svc.RunOneCycle(ctx)
					return err
				}
				every = cfg.EmployeeSync.Interval
			case registry.TypeLeave:
				store, err := outbox.NewLeaveStore(ctx, tgt, cfg.Target.Schema, cfg.Target.LeaveTable, wlog)
				if err != nil {
					return err
				}
				if err := store.EnsureAuxTables(ctx); err != nil {
					return err
				}
				size := cfg.LeaveSync.BatchSize
				if batch > 0 {
					size = batch
				}
				svc := syncservice.NewLeaveService(reader, store, sourceDB, size, leaveStartDate(cfg), wlog)
				cycle = func(ctx context.Context) error {
					_, err := svc.RunOneCycle(ctx)
					return err
				}
				every = cfg.LeaveSync.Interval
			}
			if interval > 0 {
				every = time.Duration(interval) * time.Second
			}

			if once {
				return cycle(ctx)
			}
			return runner.New("sync-"+typ, every, nil, log.Logger).Run(ctx, cycle)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().IntVar(&interval, "interval", 0, "seconds between cycles (default from the environment)")
	cmd.Flags().IntVar(&batch, "batch", 0, "rows per cycle (default from the environment)")
	cmd.Flags().StringVar(&sourceDB, "source-db", "", "source database name (default from the environment)")
	return cmd
}
