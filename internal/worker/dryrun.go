package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"research-job-service/internal/entity"
)

// DryRun is a Researcher that walks a fixed plan without calling any search
// or model backend. It produces the same event sequence a real run would,
// which is what the api and jobwatch need end to end.
type DryRun struct {
	StepDelay time.Duration
}

var dryRunPlan = []string{"plan", "search", "read", "synthesize"}

func (d DryRun) Research(ctx context.Context, job *entity.Job, rec Recorder) (string, error) {
	var sources []entity.Source

	for i, action := range dryRunPlan {
		if err := d.wait(ctx); err != nil {
			return "", err
		}

		result := map[string]any{"query": job.Query}
		if action == "search" {
			src := dryRunSource(job.Query, i)
			if err := rec.Source(ctx, src); err != nil {
				return "", err
			}
			sources = append(sources, src)
			result["found"] = src.URL
		}

		if err := rec.Iteration(ctx, action, result); err != nil {
			return "", err
		}
		if err := rec.Progress(ctx, float64(i+1)*100/float64(len(dryRunPlan)+1)); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", job.Query)
	b.WriteString("Dry run, no research backend configured.\n")
	for _, src := range sources {
		fmt.Fprintf(&b, "\n- [%s](%s)", src.Title, src.URL)
	}
	return b.String(), nil
}

func (d DryRun) wait(ctx context.Context) error {
	if d.StepDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func dryRunSource(query string, n int) entity.Source {
	snippet := "Placeholder result for " + query
	return entity.Source{
		URL:     fmt.Sprintf("https://example.org/search?q=%s&n=%d", url.QueryEscape(query), n),
		Title:   "Search: " + query,
		Snippet: &snippet,
	}
}
