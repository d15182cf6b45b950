package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"codeberg.org/mutker/battmon/internal/config"
	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/history"
	"codeberg.org/mutker/battmon/internal/metrics"
	"codeberg.org/mutker/battmon/internal/telemetry"
	"codeberg.org/mutker/battmon/internal/trend"
	"github.com/dustin/go-humanize"
)

func oneShot(ctx context.Context, cfg *config.Config, cmd commands) error {
	errFactory := errors.New()

	// Restore must run with the store closed.
	if cmd.restore != "" {
		previous, err := history.Restore(ctx, cmd.restore, cfg.DBPath)
		if err != nil {
			return errFactory.Wrap(errors.ErrOneShot, err)
		}
		if previous != "" {
			fmt.Printf("restored %s, previous database kept at %s\n", cmd.restore, previous)
		} else {
			fmt.Printf("restored %s\n", cmd.restore)
		}
		return nil
	}

	store, err := history.Open(ctx, cfg.History())
	if err != nil {
		return errFactory.Wrap(errors.ErrOpenStore, err)
	}
	defer store.Close()

	switch {
	case cmd.once:
		err = runOnce(ctx, cfg, store)
	case cmd.list:
		err = listTargets(ctx, store, os.Stdout)
	case cmd.trend != "":
		err = printTrend(ctx, store, os.Stdout, resolveTarget(cmd.trend), cmd.method, cfg.HealthThreshold, cmd.asJSON)
	case cmd.summaries != "":
		err = printSummaries(ctx, store, os.Stdout, resolveTarget(cmd.summaries))
	case cmd.export != "":
		err = exportHistory(ctx, store, cmd.export)
	case cmd.importing != "":
		err = importHistory(ctx, store, cmd.importing)
	case cmd.backup:
		var path string
		if path, err = store.Backup(ctx); err == nil {
			fmt.Println(path)
		}
	}
	if err != nil {
		return errFactory.Wrap(errors.ErrOneShot, err)
	}

	return nil
}

// resolveTarget accepts "host" as shorthand for this machine.
func resolveTarget(arg string) telemetry.TargetID {
	if arg == "host" {
		return telemetry.HostTarget()
	}

	return telemetry.TargetID(arg)
}

func runOnce(ctx context.Context, cfg *config.Config, store *history.Store) error {
	sched, err := newScheduler(cfg, store, metrics.Noop())
	if err != nil {
		return err
	}

	report, _ := sched.Cycle(ctx)
	sched.Drain()

	for _, target := range report.Stored {
		fmt.Printf("stored   %s\n", target)
	}
	for target, ferr := range report.Failures {
		fmt.Printf("failed   %s: %v\n", target, ferr)
	}
	fmt.Printf("cycle took %s, %d duplicate(s)\n", report.Duration.Round(time.Millisecond), report.Duplicates)

	if report.StorageDown {
		return errors.New().New(history.ErrStorageUnavailable)
	}

	return nil
}

func listTargets(ctx context.Context, store *history.Store, w io.Writer) error {
	targets, err := store.ListTargets(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tMODEL\tSAMPLES\tFIRST\tLAST")
	for _, t := range targets {
		model := "-"
		if t.Metadata != nil && t.Metadata.Model != "" {
			model = t.Metadata.Model
		}
		first, last := "-", "-"
		if t.SampleCount > 0 {
			first = t.FirstSample.Local().Format(time.DateOnly)
			last = humanize.Time(t.LastSample)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.TargetID, model, humanize.Comma(int64(t.SampleCount)), first, last)
	}

	return tw.Flush()
}

func printTrend(ctx context.Context, store *history.Store, w io.Writer, target telemetry.TargetID, method string, threshold float64, asJSON bool) error {
	samples, err := store.QueryRange(ctx, target, time.Unix(0, 0), time.Now())
	if err != nil {
		return err
	}

	var res trend.Result
	switch strings.ReplaceAll(strings.ToLower(method), "_", "-") {
	case "least-squares", "":
		res, err = trend.Analyze(samples, threshold)
	case "theil-sen":
		res, err = trend.TheilSen(samples, threshold)
	default:
		return errors.New().WithData(errors.ErrInvalidArgument, method)
	}
	if err != nil {
		return err
	}
	res.TargetID = target

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(w, "%s: %s samples from %s to %s (%s)\n",
		target, humanize.Comma(int64(res.Samples)),
		res.From.Local().Format(time.DateOnly), res.To.Local().Format(time.DateOnly), res.Method)
	fmt.Fprintf(w, "health now %s%%, %s%% per month\n",
		humanize.FtoaWithDigits(res.Current, 1), humanize.FtoaWithDigits(res.SlopePerDay*30, 2))

	switch {
	case res.BelowThreshold:
		fmt.Fprintf(w, "already at or below %s%%\n", humanize.Ftoa(threshold))
	case res.Crossing != nil:
		fmt.Fprintf(w, "reaches %s%% around %s (%s)\n",
			humanize.Ftoa(threshold), res.Crossing.Local().Format(time.DateOnly), humanize.Time(*res.Crossing))
	default:
		fmt.Fprintf(w, "not projected to reach %s%%\n", humanize.Ftoa(threshold))
	}

	return nil
}

func printSummaries(ctx context.Context, store *history.Store, w io.Writer, target telemetry.TargetID) error {
	summaries, err := store.MonthlySummaries(ctx, target)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MONTH\tHEALTH\tCYCLES\tSAMPLES")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.YearMonth, optional(s.AvgHealthPercent, 1), optional(s.AvgCycleCount, 0), humanize.Comma(int64(s.SampleCount)))
	}

	return tw.Flush()
}

func optional(v *float64, digits int) string {
	if v == nil {
		return "-"
	}

	return humanize.FtoaWithDigits(*v, digits)
}

func exportHistory(ctx context.Context, store *history.Store, path string) error {
	if path == "-" {
		return store.ExportSnapshot(ctx, os.Stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := store.ExportSnapshot(ctx, f); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func importHistory(ctx context.Context, store *history.Store, path string) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	report, err := store.ImportSnapshot(ctx, r)
	if err != nil {
		return err
	}

	fmt.Printf("imported %s sample(s): %d duplicate, %d conflicting, %d invalid; %d device record(s)\n",
		humanize.Comma(int64(report.Inserted)), report.Duplicates, report.Conflicts, report.Invalid, report.Devices)

	return nil
}
