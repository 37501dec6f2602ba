package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DiegoSheetszu/Cadastrei/internal/registry"
)

func newClientsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Inspect and manage the API client registry",
	}
	cmd.AddCommand(
		newClientsListCommand(),
		newClientsInitCommand(),
		newClientsSetActiveCommand(),
		newClientsDeleteCommand(),
	)
	return cmd
}

// clientsRegistry loads the registry without requiring the database
// settings; registry commands only touch the JSON file.
func clientsRegistry() (*registry.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	reg := openRegistry(cfg)
	if reg == nil {
		return nil, errors.New("no registry file configured (API_CLIENTES_FILE)")
	}
	return reg, nil
}

func newClientsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the registered clients and their endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := clientsRegistry()
			if err != nil {
				return err
			}
			profiles := reg.List()
			if len(profiles) == 0 {
				fmt.Println("no clients registered")
				return nil
			}
			activeID := reg.ActiveID()
			for _, p := range profiles {
				marker := " "
				if p.ID == activeID {
					marker = "*"
				}
				fmt.Printf("%s %s  %s (%s)\n", marker, p.ID, p.Name, p.Vendor)
				for _, ep := range p.Endpoints {
					state := "ativo"
					if !ep.Active {
						state = "inativo"
					}
					fmt.Printf("    %s  %-13s %s -> %s [%s]\n", ep.ID, ep.Type, ep.Path, ep.TargetTable, state)
				}
			}
			return nil
		},
	}
}

func newClientsInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Seed the registry with a default client built from the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := clientsRegistry()
			if err != nil {
				return err
			}
			if len(reg.List()) > 0 {
				return errors.New("registry already has clients, refusing to seed")
			}
			p, err := reg.Upsert(reg.DefaultProfile())
			if err != nil {
				return err
			}
			fmt.Printf("created client %s (%s)\n", p.ID, p.Name)
			return nil
		},
	}
}

func newClientsSetActiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-active <id>",
		Short: "Mark one client as the active dispatch target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := clientsRegistry()
			if err != nil {
				return err
			}
			if err := reg.SetActive(args[0]); err != nil {
				return err
			}
			fmt.Printf("active client: %s\n", args[0])
			return nil
		},
	}
}

func newClientsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove one client from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := clientsRegistry()
			if err != nil {
				return err
			}
			if err := reg.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted client: %s\n", args[0])
			return nil
		},
	}
}
