// Command cap serves the Cardano knowledge graph question answering API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "cap",
		Short: "Natural language question answering over a Cardano knowledge graph",
		Long: `cap answers natural language questions about the Cardano blockchain by
generating SPARQL against a Virtuoso knowledge graph and streaming a
contextualized answer back to the client.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "cap.yaml", "path to the configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPrecacheCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cap %s\n", version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
