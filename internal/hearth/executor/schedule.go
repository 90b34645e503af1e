package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bdobrica/hearth/common/observability"
	"github.com/bdobrica/hearth/internal/hearth/backend"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
)

// Schedule creates weekly recurring commands.
//
// Records reaching it always carry a time and at least one weekday; the
// classifier downgrades anything else to ambiguous. A record without them
// is a contract violation and fails without touching the backend.
type Schedule struct {
	backend   backend.Backend
	extractor nlp.Provider
	schemas   *SchemaCache
	now       func() time.Time
}

// CronSpec converts a time of day and weekdays into a standard five-field
// cron expression and checks that it parses.
func CronSpec(clock string, days []string) (string, cron.Schedule, error) {
	h, m, err := intent.ParseClock(clock)
	if err != nil {
		return "", nil, err
	}
	canon, unknown := intent.NormalizeDays(days)
	if len(unknown) > 0 {
		return "", nil, fmt.Errorf("unknown weekdays %v", unknown)
	}
	if len(canon) == 0 {
		return "", nil, fmt.Errorf("no weekdays")
	}
	dows := make([]string, len(canon))
	for i, d := range canon {
		idx, _ := intent.WeekdayIndex(d)
		dows[i] = strconv.Itoa(idx)
	}
	spec := fmt.Sprintf("%d %d * * %s", m, h, strings.Join(dows, ","))
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return "", nil, fmt.Errorf("cron spec %q: %w", spec, err)
	}
	return spec, sched, nil
}

// Execute implements Executor.
func (s *Schedule) Execute(ctx context.Context, rec intent.Record, cat *catalog.Catalog) intent.Result {
	log := observability.WithTrace(ctx).With("intent", rec.Index, "kind", rec.Kind)

	if rec.Schedule == nil || rec.Schedule.Time == "" || len(rec.Schedule.Days) == 0 {
		err := fmt.Errorf("%w: schedule record without time or weekdays", ErrContractViolation)
		log.Error("schedule: rejected record", "err", err)
		return intent.Failed(rec, "cannot schedule: time or weekdays missing", err)
	}
	spec, sched, err := CronSpec(rec.Schedule.Time, rec.Schedule.Days)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrContractViolation, err)
		log.Error("schedule: rejected record", "err", err)
		return intent.Failed(rec, "cannot schedule: "+err.Error(), err)
	}
	days, _ := intent.NormalizeDays(rec.Schedule.Days)
	clock, _ := intent.NormalizeClock(rec.Schedule.Time)
	next := sched.Next(s.now())

	ex := &extractor{backend: s.backend, extractor: s.extractor, schemas: s.schemas}
	outcomes := make([]deviceOutcome, 0, len(rec.DeviceIDs))
	for _, id := range rec.DeviceIDs {
		dev, ok := cat.Device(id)
		if !ok {
			outcomes = append(outcomes, deviceOutcome{device: catalog.Device{ID: id}, err: catalog.ErrUnresolvedReference})
			continue
		}
		out := deviceOutcome{device: dev}
		ext, err := ex.resolve(ctx, dev, rec.SubText, true)
		if err != nil {
			out.err = err
			outcomes = append(outcomes, out)
			continue
		}
		out.code, out.value = ext.Code, ext.Value
		out.detail = fmt.Sprintf("at %s on %s (next %s)", clock, strings.Join(days, ", "), next.Format("Mon 2006-01-02 15:04"))
		out.raw, out.err = s.backend.CreateSchedule(ctx, backend.ScheduleRequest{
			DeviceID: id,
			Category: dev.Category,
			Time:     clock,
			Days:     days,
			Code:     ext.Code,
			Value:    ext.Value,
		})
		if out.err != nil {
			log.Warn("schedule: create failed", "device", id, "err", out.err)
		} else {
			log.Info("schedule: created", "device", id, "cron", spec)
		}
		outcomes = append(outcomes, out)
	}
	if len(outcomes) == 0 {
		return intent.Failed(rec, "no devices to schedule", ErrContractViolation)
	}
	return combine(rec, outcomes)
}
