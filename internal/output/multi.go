package output

import (
	"context"
	"errors"

	"github.com/mrzor/probestat/internal/poller"
	"github.com/mrzor/probestat/internal/report"
)

// Multi exports to every exporter in order. A failing exporter does not
// stop the others.
type Multi []poller.Exporter

// Export calls each exporter and joins their errors.
func (m Multi) Export(ctx context.Context, r report.Report) error {
	var errs []error
	for _, e := range m {
		if err := e.Export(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
