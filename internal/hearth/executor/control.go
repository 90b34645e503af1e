package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/hearth/common/observability"
	"github.com/bdobrica/hearth/internal/hearth/backend"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
)

// deviceOutcome is the result of acting on one device of a record.
type deviceOutcome struct {
	device catalog.Device
	code   string
	value  any
	detail string
	raw    json.RawMessage
	err    error
}

func (o deviceOutcome) line() string {
	if o.err != nil {
		return fmt.Sprintf("%s: failed (%v)", o.device.Label(), o.err)
	}
	s := fmt.Sprintf("%s: %s → %v", o.device.Label(), o.code, formatValue(o.value))
	if o.detail != "" {
		s += " " + o.detail
	}
	return s
}

func formatValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// combine folds per-device outcomes into one result. The result succeeds
// only when every device did.
func combine(rec intent.Record, outcomes []deviceOutcome) intent.Result {
	lines := make([]string, 0, len(outcomes))
	var errs []error
	raw := make(map[string]json.RawMessage, len(outcomes))
	for _, o := range outcomes {
		lines = append(lines, o.line())
		if o.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.device.ID, o.err))
		}
		if len(o.raw) > 0 {
			raw[o.device.ID] = o.raw
		}
	}

	var rawDoc json.RawMessage
	if len(outcomes) == 1 {
		rawDoc = outcomes[0].raw
	} else if len(raw) > 0 {
		rawDoc, _ = json.Marshal(raw)
	}

	summary := strings.Join(lines, "; ")
	if len(errs) > 0 {
		res := intent.Failed(rec, summary, errors.Join(errs...))
		res.Raw = rawDoc
		return res
	}
	return intent.Success(rec, summary, rawDoc)
}

// extractor is the shared function-selection step of control and schedule.
type extractor struct {
	backend   backend.Backend
	extractor nlp.Provider
	schemas   *SchemaCache
}

// resolve fetches the device's functions, asks the model for a code and
// value, and validates the answer against the declared function.
func (e *extractor) resolve(ctx context.Context, dev catalog.Device, text string, wantSchedule bool) (*nlp.Extraction, error) {
	fns, err := e.backend.DeviceFunctions(ctx, dev.ID)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	ext, err := e.extractor.Extract(ctx, nlp.ExtractRequest{
		Text:         text,
		Device:       dev,
		Functions:    fns,
		WantSchedule: wantSchedule,
	})
	if err != nil {
		return nil, fmt.Errorf("parameter extraction: %w", err)
	}
	if ext == nil || ext.Code == "" {
		reason := "nothing in the request maps onto this device"
		if ext != nil && ext.FailureReason != "" {
			reason = ext.FailureReason
		}
		return nil, fmt.Errorf("%w: %s", ErrNoFunction, reason)
	}
	fn, ok := lookupFunction(fns, ext.Code)
	if !ok {
		return nil, fmt.Errorf("%w: function %q is not declared by %s", ErrSchemaMismatch, ext.Code, dev.ID)
	}
	if err := e.schemas.Validate(fn, ext.Value); err != nil {
		return nil, err
	}
	return ext, nil
}

// Control changes device state now. Devices are handled one backend call
// each, in order; a failure on one device does not stop the rest.
type Control struct {
	backend   backend.Backend
	extractor nlp.Provider
	schemas   *SchemaCache
}

// Execute implements Executor.
func (c *Control) Execute(ctx context.Context, rec intent.Record, cat *catalog.Catalog) intent.Result {
	log := observability.WithTrace(ctx).With("intent", rec.Index, "kind", rec.Kind)
	ex := &extractor{backend: c.backend, extractor: c.extractor, schemas: c.schemas}

	outcomes := make([]deviceOutcome, 0, len(rec.DeviceIDs))
	for _, id := range rec.DeviceIDs {
		dev, ok := cat.Device(id)
		if !ok {
			outcomes = append(outcomes, deviceOutcome{device: catalog.Device{ID: id}, err: catalog.ErrUnresolvedReference})
			continue
		}
		out := deviceOutcome{device: dev}
		ext, err := ex.resolve(ctx, dev, rec.SubText, false)
		if err != nil {
			out.err = err
			log.Warn("control: device skipped", "device", id, "err", err)
			outcomes = append(outcomes, out)
			continue
		}
		out.code, out.value = ext.Code, ext.Value
		out.raw, out.err = c.backend.SendCommand(ctx, id, ext.Code, ext.Value)
		if out.err != nil {
			log.Warn("control: command failed", "device", id, "code", ext.Code, "err", out.err)
		} else {
			log.Info("control: command sent", "device", id, "code", ext.Code)
		}
		outcomes = append(outcomes, out)
	}
	if len(outcomes) == 0 {
		return intent.Failed(rec, "no devices to control", ErrContractViolation)
	}
	return combine(rec, outcomes)
}
