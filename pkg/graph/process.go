package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// ProcessResult summarizes one ProcessPassages call. Passages is in input
// order; entries of failed passages hold what was merged before the failure.
type ProcessResult struct {
	Passages   []ExtractResult `json:"passages"`
	Report     MergeReport     `json:"report"`
	Summarized int             `json:"summarized"`
}

// Failed returns the input indices of the passages that did not finish.
func (r ProcessResult) Failed() []int {
	var idx []int
	for i, p := range r.Passages {
		if p.Error != "" {
			idx = append(idx, i)
		}
	}
	return idx
}

// ProcessPassages extracts all passages in parallel and merges them into the
// graph. A failing passage does not cancel the others; all failures are
// joined into the returned error.
func (c *GraphClient) ProcessPassages(ctx context.Context, passages []Passage) (ProcessResult, error) {
	res := ProcessResult{Passages: make([]ExtractResult, len(passages))}
	mergeMu := sync.Mutex{}
	var errs []error

	var g errgroup.Group
	g.SetLimit(c.parallelPassages)
	for i, p := range passages {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mergeMu.Lock()
				res.Passages[i] = ExtractResult{PassageID: p.ID, Error: err.Error()}
				errs = append(errs, fmt.Errorf("passage %d: %w", i, err))
				mergeMu.Unlock()
				return nil
			}
			r, err := c.extractor.ExtractPassage(ctx, p)

			mergeMu.Lock()
			defer mergeMu.Unlock()
			if err != nil {
				r.Error = err.Error()
				errs = append(errs, fmt.Errorf("passage %d: %w", i, err))
			}
			res.Passages[i] = r
			res.Report = res.Report.Add(r.Report)
			return nil
		})
	}
	_ = g.Wait()

	if c.autoSummarize && ctx.Err() == nil {
		n, err := c.summarizer.SummarizeAll(ctx)
		res.Summarized = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	nodes, edges := c.graph.Len()
	logger.Info("[Graph] Processed passages",
		"passages", len(passages),
		"failed", len(errs),
		"nodes", nodes,
		"edges", edges,
		"summarized", res.Summarized,
	)

	return res, errors.Join(errs...)
}
