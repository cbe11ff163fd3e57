package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/nhle-ingest/pkg/cache"
	"github.com/Sternrassler/nhle-ingest/pkg/client"
	"github.com/Sternrassler/nhle-ingest/pkg/detail"
	"github.com/Sternrassler/nhle-ingest/pkg/export"
	"github.com/Sternrassler/nhle-ingest/pkg/ledger"
	"github.com/Sternrassler/nhle-ingest/pkg/logging"
	"github.com/Sternrassler/nhle-ingest/pkg/pipeline"
	"github.com/Sternrassler/nhle-ingest/pkg/ratelimit"
	"github.com/Sternrassler/nhle-ingest/pkg/store"
)

const historyShown = 5

func (a *app) governor(channel string, interval time.Duration) (*ratelimit.Governor, error) {
	cfg := ratelimit.DefaultConfig(channel)
	cfg.MinInterval = interval
	return ratelimit.NewGovernor(cfg, logging.NewLogger("governor"))
}

func (a *app) details() (pipeline.Details, error) {
	if !a.cfg.Details {
		return nil, nil
	}
	gov, err := a.governor("detail", a.cfg.DetailInterval)
	if err != nil {
		return nil, err
	}
	pcfg := detail.DefaultPageConfig(a.cfg.UserAgent)
	pcfg.BaseURL = a.cfg.DetailBaseURL
	pcfg.Governor = gov
	pages, err := detail.NewPageFetcher(pcfg)
	if err != nil {
		return nil, fmt.Errorf("detail fetcher: %w", err)
	}

	var f detail.Fetcher = pages
	if a.cache != nil {
		f = cache.NewCachedFetcher(pages, a.cache)
	}
	return detail.NewRetrier(f, detail.DefaultRetrierConfig()), nil
}

func (a *app) ingest(ctx context.Context, resume bool, out io.Writer) error {
	gov, err := a.governor("source", a.cfg.SourceInterval)
	if err != nil {
		return usageError(err)
	}
	ccfg := client.DefaultConfig(a.cfg.UserAgent)
	ccfg.BaseURL = a.cfg.SourceURL
	ccfg.Governor = gov
	src, err := client.New(ccfg)
	if err != nil {
		return usageError(fmt.Errorf("source client: %w", err))
	}
	if a.cfg.PageSize > src.MaxPageSize() {
		return usageError(fmt.Errorf("page size %d exceeds the source maximum of %d", a.cfg.PageSize, src.MaxPageSize()))
	}

	details, err := a.details()
	if err != nil {
		return usageError(err)
	}

	pcfg := pipeline.DefaultConfig()
	pcfg.PageSize = a.cfg.PageSize
	pcfg.SampleTarget = a.cfg.SampleTarget
	pcfg.Workers = a.cfg.Workers
	pcfg.Resume = resume
	pcfg.Retry.MaxAttempts = a.cfg.MaxAttempts

	o, err := pipeline.New(src, details, a.store, a.ledger, pcfg)
	if err != nil {
		return usageError(err)
	}

	report, err := o.Run(ctx)
	printReport(out, report)
	if err != nil {
		var re *pipeline.RunError
		if errors.As(err, &re) {
			fmt.Fprintf(out, "FAILED in %s (%s): resume with --resume from offset %d\n",
				re.Stage, re.Class, re.Cursor.Offset)
		}
		return failure(err)
	}
	return nil
}

func printReport(out io.Writer, r *pipeline.Report) {
	if r == nil {
		return
	}
	mode := "fresh"
	if r.Resumed {
		mode = "resumed"
	}
	fmt.Fprintf(out, "run %d (%s, %s): %s\n", r.RunID, r.Session, mode, r.State)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  pages\t%d\n", r.Pages)
	fmt.Fprintf(tw, "  attempted\t%d\n", r.Attempted)
	fmt.Fprintf(tw, "  committed\t%d\n", r.Committed)
	fmt.Fprintf(tw, "  failed\t%d\n", r.Failed)
	fmt.Fprintf(tw, "  detail failures\t%d\n", r.DetailFailures)
	if r.Total > 0 {
		fmt.Fprintf(tw, "  source total\t%d\n", r.Total)
	}
	fmt.Fprintf(tw, "  cursor offset\t%d\n", r.Cursor.Offset)
	fmt.Fprintf(tw, "  elapsed\t%s\n", r.Elapsed.Round(time.Millisecond))
	tw.Flush()
}

func (a *app) stats(ctx context.Context, out io.Writer) error {
	s, err := a.store.Stats(ctx)
	if err != nil {
		return failure(fmt.Errorf("stats: %w", err))
	}

	fmt.Fprintf(out, "total records: %d\n", s.Total)
	fmt.Fprintf(out, "scraped in the last %s: %d\n", formatWindow(), s.RecentlyScraped)
	printCounts(out, "by grade", s.ByGrade)
	printCounts(out, "by completeness", s.ByCompleteness)
	printCounts(out, "by category", s.ByCategory)

	cur, err := a.ledger.Load(ctx)
	if err != nil {
		return failure(fmt.Errorf("load cursor: %w", err))
	}
	if cur == nil {
		fmt.Fprintln(out, "cursor: none")
	} else {
		fmt.Fprintf(out, "cursor: run %d offset %d committed %d (updated %s)\n",
			cur.RunID, cur.Offset, cur.Committed, cur.UpdatedAt.Format(time.RFC3339))
	}

	if h, ok := a.ledger.(ledger.HistoryRecorder); ok {
		batches, err := h.History(ctx, historyShown)
		if err != nil {
			return failure(fmt.Errorf("history: %w", err))
		}
		if len(batches) > 0 {
			fmt.Fprintln(out, "recent batches:")
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "  run\toffset\tcommitted\tfailed\tdetail failures\tat")
			for _, b := range batches {
				fmt.Fprintf(tw, "  %d\t%d-%d\t%d\t%d\t%d\t%s\n",
					b.RunID, b.Offset, b.NextOffset, b.Committed, b.Failed, b.DetailFailures,
					b.CommittedAt.Format(time.RFC3339))
			}
			tw.Flush()
		}
	}
	return nil
}

func formatWindow() string {
	return fmt.Sprintf("%.0fh", store.RecentWindow.Hours())
}

func printCounts(out io.Writer, title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	fmt.Fprintf(out, "%s:\n", title)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s\t%d\n", k, counts[k])
	}
	tw.Flush()
}

func (a *app) export(ctx context.Context, dest string, out io.Writer) error {
	d, err := export.ParseDestination(dest)
	if err != nil {
		return usageError(err)
	}

	var sink export.Sink
	if d.IsObject() {
		sink, err = export.NewObjectSink(export.ObjectConfig{
			Endpoint:     a.cfg.S3.Endpoint,
			AccessKey:    a.cfg.S3.AccessKey,
			SecretKey:    a.cfg.S3.SecretKey,
			Region:       a.cfg.S3.Region,
			Secure:       a.cfg.S3.Secure,
			CreateBucket: true,
		}, d.Bucket, d.Key)
		if err != nil {
			return usageError(err)
		}
	} else {
		sink = export.NewFileSink(d.Path)
	}

	n, err := export.Export(ctx, a.store, sink)
	if err != nil {
		return failure(err)
	}
	fmt.Fprintf(out, "exported %d records to %s\n", n, sink)
	return nil
}

func (a *app) reset(ctx context.Context, out io.Writer) error {
	if err := a.ledger.Reset(ctx); err != nil {
		return failure(fmt.Errorf("reset ledger: %w", err))
	}
	fmt.Fprintln(out, "cursor cleared")

	if a.cache != nil {
		n, err := a.cache.Purge(ctx)
		if err != nil {
			return failure(fmt.Errorf("purge detail cache: %w", err))
		}
		fmt.Fprintf(out, "detail cache purged (%d entries)\n", n)
	}
	return nil
}
