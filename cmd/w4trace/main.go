// Command w4trace lists the runs in a flight recorder database and plots
// their tick timing and actions.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/w4control/internal/recorder"
)

var (
	dbPath = flag.String("db", "w4ctl.db", "Flight recorder database")
	runID  = flag.String("run", "", "Run id to plot (newest run when empty)")
	outDir = flag.String("out", ".", "Directory for the PNG plots")
	list   = flag.Bool("list", false, "List runs and exit")
	html   = flag.Bool("html", false, "Also write an interactive HTML report")
)

func main() {
	flag.Parse()

	db, err := recorder.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open recorder database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if *list {
		if err := listRuns(ctx, db, os.Stdout); err != nil {
			log.Fatalf("failed to list runs: %v", err)
		}
		return
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}
	if err := plotRun(ctx, db, *runID, *outDir, *html, os.Stdout); err != nil {
		log.Fatalf("failed to plot run: %v", err)
	}
}

func listRuns(ctx context.Context, db *recorder.DB, w io.Writer) error {
	runs, err := db.Runs(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tVERSION\tHZ\tTICKS\tOVERRUNS\tDROPPED\tSTOP")
	for _, r := range runs {
		stop := r.StopReason
		if r.StoppedAt.IsZero() {
			stop = "(not closed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%d\t%d\t%d\t%s\n", r.ID, r.StartedAt.Format(time.RFC3339), r.Version,
			r.ControlHz, r.Ticks, r.Overruns, r.Dropped, stop)
	}
	return tw.Flush()
}

func plotRun(ctx context.Context, db *recorder.DB, id, dir string, withHTML bool, w io.Writer) error {
	run, err := db.GetRun(ctx, id)
	if err != nil {
		return err
	}
	ticks, err := db.Ticks(ctx, run.ID)
	if err != nil {
		return err
	}
	files, err := render(run, ticks, dir)
	if err != nil {
		return err
	}
	if withHTML {
		page, err := renderHTML(run, ticks, dir)
		if err != nil {
			return err
		}
		files = append(files, page)
	}
	fmt.Fprintf(w, "run %s: %s\n", run.ID, summarize(ticks))
	if run.StopReason != "" {
		fmt.Fprintf(w, "stopped: %s\n", run.StopReason)
	}
	for _, f := range files {
		fmt.Fprintf(w, "wrote %s\n", f)
	}
	return nil
}
