// Command cadastrei runs the Vetorh change-capture workers: sync engines
// that fill the outbox tables, dispatchers that drain them into the
// downstream API, and the supporting state tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "cadastrei",
		Short:         "Sync Vetorh HR data into outbox tables and deliver it to the downstream API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newSyncCommand(),
		newDispatchCommand(),
		newRunCommand(),
		newResetCommand(),
		newClientsCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
