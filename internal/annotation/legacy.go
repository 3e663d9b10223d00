package annotation

import (
	"context"
	"fmt"
	"strings"
)

// LegacyRecord is one annotation exported from the pass/fail era.
type LegacyRecord struct {
	Simple
	UserID  string `json:"user_id"`
	Version int    `json:"version"`
}

// LegacySummary reports a legacy migration.
type LegacySummary struct {
	Inserted       int      `json:"inserted"`
	Updated        int      `json:"updated"`
	SkippedNoTrace int      `json:"skipped_no_trace"`
	Invalid        []string `json:"invalid,omitempty"`
}

// ImportLegacy upserts historical annotations as they were recorded,
// keeping their version. Records whose trace is unknown are skipped; records
// without a recognisable pass/fail label are reported as invalid. The fail
// detail rule is not applied to historical data.
func (s *Service) ImportLegacy(ctx context.Context, records []LegacyRecord, defaultUser string) (LegacySummary, error) {
	var sum LegacySummary
	touched := make(map[string]bool)
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		pf := strings.TrimSpace(rec.HolisticPassFail)
		if rec.TraceID == "" || (pf != LegacyPass && pf != LegacyFail) {
			sum.Invalid = append(sum.Invalid, fmt.Sprintf("record %d: trace_id and holistic_pass_fail (Pass|Fail) are required", i))
			continue
		}
		ok, err := s.store.TraceExists(ctx, rec.TraceID)
		if err != nil {
			return sum, fmt.Errorf("checking trace %s: %w", rec.TraceID, err)
		}
		if !ok {
			sum.SkippedNoTrace++
			continue
		}

		user := rec.UserID
		if user == "" {
			user = defaultUser
		}
		simple := rec.Simple
		simple.HolisticPassFail = pf
		a := Normalize(simple, user, 0)
		a.Version = rec.Version

		created, err := s.store.PutLegacyAnnotation(ctx, a)
		if err != nil {
			return sum, fmt.Errorf("storing legacy annotation for %s: %w", rec.TraceID, err)
		}
		if created {
			sum.Inserted++
		} else {
			sum.Updated++
		}
		touched[user] = true
	}
	if s.stats != nil {
		for u := range touched {
			s.stats.Invalidate(u)
		}
	}
	return sum, nil
}
