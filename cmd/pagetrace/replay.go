package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/errortrack"
	"github.com/vincentbai/pagetrace/internal/funnel"
	"github.com/vincentbai/pagetrace/internal/models"
	"github.com/vincentbai/pagetrace/internal/telemetry"
)

type record struct {
	Kind string `json:"kind"`

	Path   string         `json:"path,omitempty"`
	Action string         `json:"action,omitempty"`
	Data   map[string]any `json:"data,omitempty"`

	Funnel string `json:"funnel,omitempty"`
	Step   string `json:"step,omitempty"`
	Reason string `json:"reason,omitempty"`

	Type     models.EventType `json:"type,omitempty"`
	Message  string           `json:"message,omitempty"`
	Source   string           `json:"source,omitempty"`
	Stack    string           `json:"stack,omitempty"`
	URL      string           `json:"url,omitempty"`
	Method   string           `json:"method,omitempty"`
	Status   int              `json:"status,omitempty"`
	Response string           `json:"response,omitempty"`
}

type replayStats struct {
	Records  int
	Skipped  int
	Matched  int
	Errors   int
	Abandons int
}

// readRecords decodes one record per non-blank line into out. Malformed
// lines are reported and skipped.
func readRecords(ctx context.Context, r io.Reader, out chan<- record, log *zap.Logger) error {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			log.Warn("skipping malformed record", zap.Int("line", line), zap.Error(err))
			rec = record{Kind: "invalid"}
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Errorf("read records: %w", err)
	}
	return nil
}

func applyRecord(ctx context.Context, client *telemetry.Client, rec record, stats *replayStats) {
	stats.Records++
	switch rec.Kind {
	case "page":
		stats.Matched += client.PageView(ctx, rec.Path)
	case "action":
		stats.Matched += client.Action(ctx, funnel.Action{Type: rec.Action, Data: rec.Data})
	case "step":
		if err := client.Funnels.TrackStep(ctx, rec.Funnel, rec.Step, rec.Data); err != nil {
			stats.Skipped++
			return
		}
		stats.Matched++
	case "abandon":
		if client.Funnels.Abandon(ctx, rec.Funnel, rec.Reason) {
			stats.Abandons++
		}
	case "error":
		typ := rec.Type
		if typ == "" {
			typ = models.EventJavaScript
		}
		if client.Errors.Track(errortrack.Report{
			Type:    typ,
			Message: rec.Message,
			Source:  rec.Source,
			Stack:   rec.Stack,
			URL:     rec.URL,
			Context: rec.Data,
		}) {
			stats.Errors++
		}
	case "api_error":
		method := rec.Method
		if method == "" {
			method = "GET"
		}
		if client.Errors.CaptureAPIError(rec.URL, method, rec.Status, rec.Response, rec.Data) {
			stats.Errors++
		}
	default:
		stats.Skipped++
	}
}

// replay feeds every record from r through client. Reading and applying run
// concurrently; applying stays on one goroutine so records keep their order.
func replay(ctx context.Context, client *telemetry.Client, r io.Reader, log *zap.Logger) (replayStats, error) {
	var stats replayStats
	records := make(chan record, 64)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return readRecords(gctx, r, records, log)
	})
	g.Go(func() error {
		for rec := range records {
			applyRecord(gctx, client, rec, &stats)
		}
		return nil
	})
	err := g.Wait()
	return stats, err
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return xerrors.Errorf("open replay file: %w", err)
		}
		defer f.Close()
		in = f
	}

	client, err := newClient(ctx, telemetry.Options{})
	if err != nil {
		return err
	}
	stats, replayErr := replay(ctx, client, in, logger)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.GetSendTimeout())
	defer cancel()
	if err := client.Close(closeCtx); err != nil {
		logger.Warn("telemetry did not drain", zap.Error(err))
	}
	if replayErr != nil {
		return replayErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Replayed %s records: %s funnel steps matched, %s errors captured, %s funnels abandoned, %s skipped.\n",
		humanize.Comma(int64(stats.Records)),
		humanize.Comma(int64(stats.Matched)),
		humanize.Comma(int64(stats.Errors)),
		humanize.Comma(int64(stats.Abandons)),
		humanize.Comma(int64(stats.Skipped)),
	)
	return printProgress(cmd.OutOrStdout(), client.Funnels.Active())
}

func printProgress(w io.Writer, active []funnel.Progress) error {
	if len(active) == 0 {
		_, err := fmt.Fprintln(w, "No funnels in progress.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNNEL\tSTEPS\tPROGRESS\tSTARTED")
	for _, p := range active {
		started := "-"
		if p.StartTime != nil {
			started = humanize.RelTime(*p.StartTime, time.Now(), "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%d/%d\t%.0f%%\t%s\n", p.FunnelID, p.CompletedSteps, p.TotalSteps, p.Percent, started)
	}
	return tw.Flush()
}
