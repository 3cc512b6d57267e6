package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/isodb/internal/scenario"
	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

func newScenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the anomaly scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tANOMALY AT\tHAZARD")
			for _, sc := range scenario.Catalogue() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", sc.Name, anomalousLevels(sc), sc.Hazard)
			}
			return w.Flush()
		},
	}
}

func anomalousLevels(sc scenario.Scenario) string {
	var levels []string
	for _, level := range storage.Levels() {
		if sc.Expected[level] {
			levels = append(levels, level.String())
		}
	}
	if len(levels) == 0 {
		return "-"
	}
	return strings.Join(levels, ",")
}
