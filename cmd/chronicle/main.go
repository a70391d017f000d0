// Command chronicle runs the Chronicle LLM proxy: `chronicle serve` starts
// the HTTP server, `chronicle db migrate` applies the SQL schema, and
// `chronicle db bootstrap` seeds an org's aliases/providers/keys from a
// static YAML file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "chronicle",
		Short: "Chronicle is a model-agnostic LLM HTTP proxy",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newDBCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
