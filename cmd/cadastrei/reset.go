package main

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DiegoSheetszu/Cadastrei/internal/outbox"
	"github.com/DiegoSheetszu/Cadastrei/internal/registry"
)

func newResetCommand() *cobra.Command {
	var (
		sourceDB string
		yes      bool
	)

	cmd := &cobra.Command{
		Use:   "reset motoristas|afastamentos",
		Short: "Clear the stored sync state of one source database",
		Long: `reset deletes the payload hash memory and the saved checkpoint or
cursor of one source database. The next sync cycle re-reads the whole
window and re-evaluates every row; events already in the outbox stay
untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := eventType(args[0])
			if err != nil {
				return err
			}
			if sourceDB == "" {
				return errors.New("--source-db is required")
			}
			if !yes {
				return errors.New("refusing to clear sync state without --yes")
			}

			cfg, err := loadApp()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			tgt, err := openTarget(ctx, cfg)
			if err != nil {
				return err
			}
			defer tgt.Close()

			switch typ {
			case registry.TypeEmployee:
				store, err := outbox.NewEmployeeStore(ctx, tgt, cfg.Target.Schema, cfg.Target.EmployeeTable, log.Logger)
				if err != nil {
					return err
				}
				if err := store.EnsureAuxTables(ctx); err != nil {
					return err
				}
				if err := store.ResetState(ctx, sourceDB); err != nil {
					return err
				}
			case registry.TypeLeave:
				store, err := outbox.NewLeaveStore(ctx, tgt, cfg.Target.Schema, cfg.Target.LeaveTable, log.Logger)
				if err != nil {
					return err
				}
				if err := store.EnsureAuxTables(ctx); err != nil {
					return err
				}
				if err := store.ResetState(ctx, sourceDB); err != nil {
					return err
				}
			}

			log.Info().Str("tipo", typ).Str("sourceDb", sourceDB).Msg("sync state cleared")
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceDB, "source-db", "", "source database whose state to clear")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing the stored state")
	return cmd
}
