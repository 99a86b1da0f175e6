package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/w4control/internal/recorder"
)

// summary holds tick timing statistics in milliseconds.
type summary struct {
	Ticks    int
	Overruns int
	MeanMs   float64
	P50Ms    float64
	P99Ms    float64
	MaxMs    float64
	Modes    []int
}

func summarize(ticks []recorder.TickRecord) summary {
	s := summary{Ticks: len(ticks)}
	if len(ticks) == 0 {
		return s
	}
	elapsed := make([]float64, len(ticks))
	seen := make(map[int]bool)
	for i, t := range ticks {
		elapsed[i] = float64(t.Elapsed) / float64(time.Millisecond)
		if t.Overrun {
			s.Overruns++
		}
		if !seen[t.ModeID] {
			seen[t.ModeID] = true
			s.Modes = append(s.Modes, t.ModeID)
		}
	}
	sort.Ints(s.Modes)
	sort.Float64s(elapsed)
	s.MeanMs = stat.Mean(elapsed, nil)
	s.P50Ms = stat.Quantile(0.5, stat.Empirical, elapsed, nil)
	s.P99Ms = stat.Quantile(0.99, stat.Empirical, elapsed, nil)
	s.MaxMs = elapsed[len(elapsed)-1]
	return s
}

func (s summary) String() string {
	return fmt.Sprintf("ticks=%d overruns=%d modes=%v elapsed mean=%.3fms p50=%.3fms p99=%.3fms max=%.3fms",
		s.Ticks, s.Overruns, s.Modes, s.MeanMs, s.P50Ms, s.P99Ms, s.MaxMs)
}

// plotTiming draws per-tick compute time with the tick period as a
// reference line and overruns marked.
func plotTiming(run recorder.Run, ticks []recorder.TickRecord, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %s - Tick Time", shortID(run.ID))
	p.X.Label.Text = "Tick"
	p.Y.Label.Text = "Elapsed (ms)"

	pts := make(plotter.XYs, 0, len(ticks))
	var over plotter.XYs
	for _, t := range ticks {
		xy := plotter.XY{X: float64(t.Seq), Y: float64(t.Elapsed) / float64(time.Millisecond)}
		pts = append(pts, xy)
		if t.Overrun {
			over = append(over, xy)
		}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = plotutil.Color(0)
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("elapsed", line)

	if run.ControlHz > 0 && len(ticks) > 0 {
		periodMs := 1000 / run.ControlHz
		ref, err := plotter.NewLine(plotter.XYs{
			{X: float64(ticks[0].Seq), Y: periodMs},
			{X: float64(ticks[len(ticks)-1].Seq), Y: periodMs},
		})
		if err != nil {
			return err
		}
		ref.Color = plotutil.Color(1)
		ref.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(ref)
		p.Legend.Add(fmt.Sprintf("period %.1fms", periodMs), ref)
	}
	if len(over) > 0 {
		sc, err := plotter.NewScatter(over)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = plotutil.Color(2)
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		p.Add(sc)
		p.Legend.Add("overrun", sc)
	}
	p.Legend.Top = true
	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

// plotActions draws one line per action index.
func plotActions(run recorder.Run, ticks []recorder.TickRecord, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %s - Actions", shortID(run.ID))
	p.X.Label.Text = "Tick"
	p.Y.Label.Text = "Action"

	width := 0
	for _, t := range ticks {
		width = max(width, len(t.Action))
	}
	for j := 0; j < width; j++ {
		pts := make(plotter.XYs, 0, len(ticks))
		for _, t := range ticks {
			if j < len(t.Action) {
				pts = append(pts, plotter.XY{X: float64(t.Seq), Y: t.Action[j]})
			}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(j)
		line.Dashes = plotutil.Dashes(j / len(plotutil.DefaultColors))
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("a%d", j), line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

// render writes the timing and action plots of run into dir and returns
// their paths.
func render(run recorder.Run, ticks []recorder.TickRecord, dir string) ([]string, error) {
	if len(ticks) == 0 {
		return nil, fmt.Errorf("run %s has no ticks", run.ID)
	}
	prefix := filepath.Join(dir, "run_"+shortID(run.ID))
	timing := prefix + "_timing.png"
	if err := plotTiming(run, ticks, timing); err != nil {
		return nil, fmt.Errorf("timing plot: %w", err)
	}
	actions := prefix + "_actions.png"
	if err := plotActions(run, ticks, actions); err != nil {
		return nil, fmt.Errorf("action plot: %w", err)
	}
	return []string{timing, actions}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
