package mission

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RunAll runs independent missions concurrently, each on its own
// Controller from newController. Reports are returned in request order;
// a mission that fails leaves its partial report in place and its error
// joined into the result. One failing mission never cancels the others.
func RunAll(ctx context.Context, newController func() (*Controller, error), reqs []Request) ([]*Report, error) {
	reports := make([]*Report, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			c, err := newController()
			if err != nil {
				errs[i] = fmt.Errorf("mission %d: %w", i, err)
				return nil
			}
			reports[i], errs[i] = c.Run(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}
