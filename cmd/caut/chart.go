package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/Dicklesworthstone/caut/internal/provider"
	"github.com/Dicklesworthstone/caut/internal/storage"
)

var historyChartCmd = &cobra.Command{
	Use:   "chart",
	Short: "Render usage history as a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		days, _ := cmd.Flags().GetInt("days")
		output, _ := cmd.Flags().GetString("output")

		p, err := provider.Parse(providerName)
		if err != nil {
			return err
		}

		store, _, err := openStoreIfExists()
		if err != nil {
			return err
		}
		if store == nil {
			return noHistoryYet()
		}
		defer store.Close()

		now := time.Now().UTC()
		snaps, err := store.GetSnapshots(p.String(), now.AddDate(0, 0, -days), now)
		if err != nil {
			return err
		}
		if len(snaps) < 2 {
			return fmt.Errorf("not enough snapshots to chart (%d)", len(snaps))
		}

		if err := writeUsagePNG(output, p.String(), snaps); err != nil {
			return err
		}
		printSuccess("Chart written to %s", output)
		return nil
	},
}

func init() {
	historyChartCmd.Flags().String("provider", "", "provider name (required)")
	historyChartCmd.Flags().Int("days", 7, "how many days back to chart")
	historyChartCmd.Flags().String("output", "usage.png", "output PNG path")
	historyChartCmd.MarkFlagRequired("provider")
}

// writeUsagePNG renders primary and secondary window usage over time.
// Snapshots arrive newest first; the series is reversed to chronological
// order for plotting.
func writeUsagePNG(path, providerName string, snaps []storage.StoredSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var x []time.Time
	var primary, secondary []float64
	hasSecondary := false
	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]
		if snap.PrimaryUsedPct == nil {
			continue
		}
		x = append(x, snap.FetchedAt)
		primary = append(primary, *snap.PrimaryUsedPct)
		if snap.SecondaryUsedPct != nil {
			secondary = append(secondary, *snap.SecondaryUsedPct)
			hasSecondary = true
		} else {
			secondary = append(secondary, 0)
		}
	}
	if len(x) < 2 {
		return fmt.Errorf("not enough usable points to chart")
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f%%")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Primary window",
			XValues: x,
			YValues: primary,
		},
	}
	if hasSecondary {
		series = append(series, chart.TimeSeries{
			Name:    "Secondary window",
			XValues: x,
			YValues: secondary,
		})
	}

	graph := chart.Chart{
		Title:  providerName + " usage",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Used (%)",
			ValueFormatter: pctFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
