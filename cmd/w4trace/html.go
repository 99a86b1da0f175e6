package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/w4control/internal/recorder"
)

// renderHTML writes an interactive page with the timing and action charts
// of run into dir and returns its path.
func renderHTML(run recorder.Run, ticks []recorder.TickRecord, dir string) (string, error) {
	if len(ticks) == 0 {
		return "", fmt.Errorf("run %s has no ticks", run.ID)
	}
	seqs := make([]uint64, len(ticks))
	elapsed := make([]opts.LineData, len(ticks))
	for i, t := range ticks {
		seqs[i] = t.Seq
		elapsed[i] = opts.LineData{Value: float64(t.Elapsed) / float64(time.Millisecond)}
	}

	timing := charts.NewLine()
	timing.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "w4trace " + shortID(run.ID), Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Tick Time", Subtitle: fmt.Sprintf("run=%s hz=%g stop=%s", run.ID, run.ControlHz, run.StopReason)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Tick", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Elapsed (ms)", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	timing.SetXAxis(seqs).AddSeries("elapsed", elapsed)

	width := 0
	for _, t := range ticks {
		width = max(width, len(t.Action))
	}
	actions := charts.NewLine()
	actions.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Actions"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Type: "scroll", Top: "30px"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Tick", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Action", Min: -1, Max: 1}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	actions.SetXAxis(seqs)
	for j := 0; j < width; j++ {
		data := make([]opts.LineData, len(ticks))
		for i, t := range ticks {
			if j < len(t.Action) {
				data[i] = opts.LineData{Value: t.Action[j]}
			} else {
				data[i] = opts.LineData{Value: "-"}
			}
		}
		actions.AddSeries(fmt.Sprintf("a%d", j), data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	page := components.NewPage()
	page.SetPageTitle("w4trace " + shortID(run.ID))
	page.AddCharts(timing, actions)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	path := filepath.Join(dir, "run_"+shortID(run.ID)+".html")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", err
	}
	return path, nil
}
