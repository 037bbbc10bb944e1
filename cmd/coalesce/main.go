package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "coalesce",
		Short:   "Coalesce — batching and caching gateway for model inference",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newInvokeCmd(),
		newBatchCmd(),
		newModelsCmd(),
		newCacheCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
