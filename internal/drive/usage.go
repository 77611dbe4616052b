package drive

import (
	"context"

	"github.com/dustin/go-humanize"
)

// UsageReport is the sidebar storage summary. LimitBytes is informational
// and never enforced.
type UsageReport struct {
	UsedBytes  int64  `json:"usedBytes"`
	LimitBytes int64  `json:"limitBytes"`
	FileCount  int64  `json:"fileCount"`
	Display    string `json:"display"`
}

// Usage sums the sizes of every file the requester owns, trash included.
func (s *Service) Usage(ctx context.Context, requester string) (*UsageReport, error) {
	const op = "usage"
	if err := requireUser(op, requester); err != nil {
		return nil, err
	}
	u, err := s.store.Usage(ctx, requester)
	if err != nil {
		return nil, wrap(op, err)
	}

	r := &UsageReport{
		UsedBytes:  u.UsedBytes,
		LimitBytes: s.quota,
		FileCount:  u.FileCount,
		Display:    humanize.IBytes(uint64(max(u.UsedBytes, 0))),
	}
	if s.quota > 0 {
		r.Display += " of " + humanize.IBytes(uint64(s.quota))
	}
	return r, nil
}
