package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// evaluate checks the expect block and returns one message per mismatch.
func (r *runner) evaluate(ctx context.Context) []string {
	var errs []string
	exp := r.sc.Expect

	for i, want := range exp.Local {
		rec, err := r.store.GetRecordAny(ctx, model.EntityType(want.EntityType), want.ID)
		found := true
		if errors.Is(err, store.ErrNotFound) {
			found = false
		} else if err != nil {
			errs = append(errs, fmt.Sprintf("expect.local[%d]: %v", i, err))
			continue
		}
		errs = append(errs, checkRecord(fmt.Sprintf("expect.local[%d]", i), want, rec, found)...)
	}

	for i, want := range exp.Server {
		rec, found := r.server.Get(model.EntityType(want.EntityType), want.ID)
		errs = append(errs, checkRecord(fmt.Sprintf("expect.server[%d]", i), want, rec, found)...)
	}

	if exp.Counts != nil {
		counts, err := r.store.Counts(ctx)
		if err != nil {
			errs = append(errs, fmt.Sprintf("expect.counts: %v", err))
		} else {
			errs = append(errs, checkCounts(*exp.Counts, counts)...)
		}
	}

	if exp.State != "" {
		if got := r.engine.State().String(); got != exp.State {
			errs = append(errs, fmt.Sprintf("expect.state: got %s, want %s", got, exp.State))
		}
	}

	if exp.Resolutions != nil {
		errs = append(errs, r.checkResolutions(exp.Resolutions)...)
	}

	if exp.ReauthRequired != nil && r.reauth != *exp.ReauthRequired {
		errs = append(errs, fmt.Sprintf("expect.reauth_required: got %d, want %d", r.reauth, *exp.ReauthRequired))
	}

	if exp.ServerApplied != nil {
		if got := len(r.server.Applied()); got != *exp.ServerApplied {
			errs = append(errs, fmt.Sprintf("expect.server_applied: got %d, want %d", got, *exp.ServerApplied))
		}
	}
	return errs
}

func checkRecord(where string, want RecordExpect, got model.Record, found bool) []string {
	label := fmt.Sprintf("%s %s/%s", where, want.EntityType, want.ID)
	if want.Absent {
		if found {
			return []string{label + ": expected no record"}
		}
		return nil
	}
	if !found {
		return []string{label + ": record not found"}
	}

	var errs []string
	if got.Deleted != want.Deleted {
		errs = append(errs, fmt.Sprintf("%s: deleted = %t, want %t", label, got.Deleted, want.Deleted))
	}
	if want.Version != nil && !model.SameVersion(got.Version, want.Version) {
		errs = append(errs, fmt.Sprintf("%s: version = %s, want %d", label, formatVersion(got.Version), *want.Version))
	}
	if want.ServerID != "" && got.ServerID != want.ServerID {
		errs = append(errs, fmt.Sprintf("%s: server_id = %q, want %q", label, got.ServerID, want.ServerID))
	}

	if len(want.Fields) > 0 {
		fields, err := toObject(want.Fields)
		if err != nil {
			return append(errs, fmt.Sprintf("%s: expected fields: %v", label, err))
		}
		for _, name := range fields.Keys() {
			actual, ok := got.Fields[name]
			if !ok {
				errs = append(errs, fmt.Sprintf("%s: field %q missing", label, name))
				continue
			}
			if !model.Equal(actual, fields[name]) {
				errs = append(errs, fmt.Sprintf("%s: field %q = %s, want %s",
					label, name, formatValue(actual), formatValue(fields[name])))
			}
		}
	}
	return errs
}

func checkCounts(want CountsExpect, got store.Counts) []string {
	var errs []string
	check := func(name string, w *int, g int) {
		if w != nil && *w != g {
			errs = append(errs, fmt.Sprintf("expect.counts.%s: got %d, want %d", name, g, *w))
		}
	}
	check("pending", want.Pending, got.Pending)
	check("in_flight", want.InFlight, got.InFlight)
	check("dead_lettered", want.DeadLettered, got.DeadLettered)
	check("committed", want.Committed, got.Committed)
	return errs
}

func (r *runner) checkResolutions(want []ResolutionExpect) []string {
	if len(want) != len(r.resolutions) {
		return []string{fmt.Sprintf("expect.resolutions: got %d reports, want %d", len(r.resolutions), len(want))}
	}
	var errs []string
	for i, w := range want {
		got := r.resolutions[i]
		label := fmt.Sprintf("expect.resolutions[%d]", i)
		if w.EntityID != "" && got.EntityID != w.EntityID {
			errs = append(errs, fmt.Sprintf("%s: entity_id = %q, want %q", label, got.EntityID, w.EntityID))
		}
		if w.Overridden != nil && !sameSet(got.FieldNames(), w.Overridden) {
			errs = append(errs, fmt.Sprintf("%s: overridden = %v, want %v", label, got.FieldNames(), w.Overridden))
		}
		if w.Corrected != nil && !sameSet(got.Corrected, w.Corrected) {
			errs = append(errs, fmt.Sprintf("%s: corrected = %v, want %v", label, got.Corrected, w.Corrected))
		}
		if w.Discarded != nil && got.Discarded != *w.Discarded {
			errs = append(errs, fmt.Sprintf("%s: discarded = %t, want %t", label, got.Discarded, *w.Discarded))
		}
	}
	return errs
}

func sameSet(a, b []string) bool {
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

func formatVersion(v *int64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprint(*v)
}

func formatValue(v model.Value) string {
	data, err := model.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
