package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "external-factors",
		Short: "Collects macroeconomic, climate, satellite and hydrological series",
		Long: `external-factors downloads the external time series used by the crop
forecasting models (exchange and interest rates, inflation, commodity prices,
station and reanalysis precipitation, NDVI and river levels) for a date window,
persists one table per source and prints a status checklist.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newCollectCmd(),
		newSourcesCmd(),
		newServeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
