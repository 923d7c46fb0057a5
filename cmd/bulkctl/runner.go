package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/italolelis/bulk_downloader/internal/http/rest"
	"github.com/italolelis/bulk_downloader/internal/itemfile"
)

// Runner holds the dependencies of the bulkctl commands.
type Runner struct {
	logger *log.Logger
	output io.Writer
}

type RunnerOpts struct {
	Logger *log.Logger
	Output io.Writer
}

func NewRunner(opts RunnerOpts) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	}

	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	return &Runner{logger: opts.Logger, output: opts.Output}
}

// App builds the command tree.
func (r *Runner) App() *cli.Command {
	return &cli.Command{
		Name:    "bulkctl",
		Usage:   "Start and control bulk download runs",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Base URL of the bulk downloader",
				Value:   "http://localhost:9092",
				Sources: cli.EnvVars("BULK_SERVER"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-request timeout",
				Value: 30 * time.Second,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
		},
		Before: r.before,
		Commands: []*cli.Command{
			startCommand(r),
			statusCommand(r),
			{Name: "pause", Usage: "Pause the active run after its current wave", Action: r.control((*rest.Client).Pause)},
			{Name: "resume", Usage: "Resume a paused run", Action: r.control((*rest.Client).Resume)},
			{Name: "cancel", Usage: "Cancel the active run", Action: r.control((*rest.Client).Cancel)},
			{
				Name:   "retry",
				Usage:  "Start a run over the items that failed",
				Flags:  []cli.Flag{waitFlag()},
				Action: r.Retry,
			},
			{Name: "failures", Usage: "List recorded failures", Action: r.Failures},
			historyCommand(r),
		},
	}
}

func startCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a run from a YAML or CSV item file",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "file"},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "label",
				Aliases: []string{"l"},
				Usage:   "Run label, overrides the one in the file",
			},
			&cli.IntFlag{
				Name:  "wave-size",
				Usage: "Items per wave, overrides the file and the server default",
			},
			waitFlag(),
		},
		Action: r.Start,
	}
}

func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the current run",
		Flags: []cli.Flag{waitFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := r.client(cmd)
			if err != nil {
				return err
			}

			run, err := client.Current(ctx)
			if err != nil {
				return err
			}

			return r.finish(ctx, cmd, client, run)
		},
	}
}

func historyCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Inspect or clear the download history",
		Commands: []*cli.Command{
			{Name: "list", Usage: "List obtained item ids", Action: r.HistoryList},
			{Name: "clear", Usage: "Forget every obtained item", Action: r.HistoryClear},
		},
	}
}

func waitFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "wait",
		Aliases: []string{"w"},
		Usage:   "Follow the run until it finishes",
	}
}

func (r *Runner) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level, err := log.ParseLevel(cmd.String("log-level"))
	if err != nil {
		return ctx, fmt.Errorf("invalid log level: %w", err)
	}

	r.logger.SetLevel(level)

	return ctx, nil
}

func (r *Runner) client(cmd *cli.Command) (*rest.Client, error) {
	return rest.NewClient(cmd.String("server"), cmd.Duration("timeout"))
}

// Start submits the item file as a new run.
func (r *Runner) Start(ctx context.Context, cmd *cli.Command) error {
	path := cmd.StringArg("file")
	if path == "" {
		return fmt.Errorf("an item file is required")
	}

	list, err := itemfile.Load(path)
	if err != nil {
		return err
	}

	req := rest.StartRunRequest{
		RunLabel: list.Label,
		WaveSize: list.WaveSize,
		Items:    make([]rest.ItemRequest, len(list.Items)),
	}

	for i, it := range list.Items {
		req.Items[i] = rest.ItemRequest{ID: it.ID, DisplayName: it.DisplayName, SourceRef: it.SourceRef}
	}

	if label := cmd.String("label"); label != "" {
		req.RunLabel = label
	}

	if size := cmd.Int("wave-size"); size != 0 {
		req.WaveSize = int(size)
	}

	client, err := r.client(cmd)
	if err != nil {
		return err
	}

	r.logger.Debug("submitting run", "file", path, "items", len(req.Items), "label", req.RunLabel)

	run, err := client.Start(ctx, req)
	if err != nil {
		return err
	}

	r.logger.Info("run started", "run_id", run.ID, "planned", run.Progress.Total, "candidates", len(req.Items))

	return r.finish(ctx, cmd, client, run)
}

func (r *Runner) Retry(ctx context.Context, cmd *cli.Command) error {
	client, err := r.client(cmd)
	if err != nil {
		return err
	}

	run, err := client.Retry(ctx)
	if err != nil {
		return err
	}

	r.logger.Info("retry started", "run_id", run.ID, "items", run.Progress.Total)

	return r.finish(ctx, cmd, client, run)
}

func (r *Runner) Failures(ctx context.Context, cmd *cli.Command) error {
	client, err := r.client(cmd)
	if err != nil {
		return err
	}

	failures, err := client.Failures(ctx)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(failures)
	}

	if len(failures) == 0 {
		fmt.Fprintln(r.output, "no failures recorded")

		return nil
	}

	for _, f := range failures {
		fmt.Fprintf(r.output, "%s\t%s\tattempt %d\t%s: %s (%s)\n",
			f.Item.ID, itemLabel(f.Item), f.Attempt, f.Category, f.Reason, humanize.Time(f.FailedAt))
	}

	return nil
}

func (r *Runner) HistoryList(ctx context.Context, cmd *cli.Command) error {
	client, err := r.client(cmd)
	if err != nil {
		return err
	}

	history, err := client.History(ctx)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(history)
	}

	for _, entry := range history.Items {
		fmt.Fprintf(r.output, "%s\t%s\n", entry.ItemID, entry.DownloadedAt.Format(time.RFC3339))
	}

	fmt.Fprintf(r.output, "%s items obtained\n", humanize.Comma(int64(history.Count)))

	return nil
}

func (r *Runner) HistoryClear(ctx context.Context, cmd *cli.Command) error {
	client, err := r.client(cmd)
	if err != nil {
		return err
	}

	if err := client.ClearHistory(ctx); err != nil {
		return err
	}

	r.logger.Info("download history cleared")

	return nil
}

func (r *Runner) control(action func(*rest.Client, context.Context) (*rest.RunResponse, error)) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		client, err := r.client(cmd)
		if err != nil {
			return err
		}

		run, err := action(client, ctx)
		if err != nil {
			return err
		}

		return r.printRun(cmd, run)
	}
}

// finish prints run, or follows it until it ends when --wait is set.
func (r *Runner) finish(ctx context.Context, cmd *cli.Command, client *rest.Client, run *rest.RunResponse) error {
	if !cmd.Bool("wait") {
		return r.printRun(cmd, run)
	}

	last := ""

	final, err := client.Wait(ctx, time.Second, func(update *rest.RunResponse) {
		line := statusLine(update)
		if line != last {
			r.logger.Info(line)
			last = line
		}
	})
	if err != nil {
		return err
	}

	return r.printRun(cmd, final)
}

func (r *Runner) printRun(cmd *cli.Command, run *rest.RunResponse) error {
	if cmd.Bool("json") {
		return r.writeJSON(run)
	}

	fmt.Fprintln(r.output, statusLine(run))

	for _, f := range run.Failures {
		fmt.Fprintf(r.output, "  failed: %s (%s: %s)\n", itemLabel(f.Item), f.Category, f.Reason)
	}

	if run.RetryAvailable {
		fmt.Fprintln(r.output, "failed items can be retried with: bulkctl retry")
	}

	return nil
}

func (r *Runner) writeJSON(v any) error {
	enc := json.NewEncoder(r.output)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func statusLine(run *rest.RunResponse) string {
	p := run.Progress

	var b strings.Builder

	fmt.Fprintf(&b, "%q %s", run.Label, run.Status)

	if run.WaveCount > 0 {
		fmt.Fprintf(&b, " wave %d/%d", run.Wave, run.WaveCount)
	}

	fmt.Fprintf(&b, ": %d/%d done (%d%%), %d failed, %d skipped", p.Completed, p.Total, p.Percent, p.Failed, p.Skipped)

	if run.Bytes > 0 {
		fmt.Fprintf(&b, ", %s", humanize.Bytes(uint64(run.Bytes)))
	}

	if run.Status == "running" && p.RemainingSeconds > 0 {
		remaining := time.Duration(p.RemainingSeconds * float64(time.Second)).Round(time.Second)
		fmt.Fprintf(&b, ", ~%s left", remaining)
	}

	if p.CurrentLabel != "" && run.Status == "running" {
		fmt.Fprintf(&b, " [%s]", p.CurrentLabel)
	}

	return b.String()
}

func itemLabel(item rest.ItemRequest) string {
	if item.DisplayName != "" {
		return item.DisplayName
	}

	return item.ID
}
