package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bdobrica/hearth/internal/hearth/backend"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
)

// Query reads device status. It never mutates anything, so identical
// device state always yields an identical summary.
type Query struct {
	backend backend.Backend
}

// Execute implements Executor.
func (q *Query) Execute(ctx context.Context, rec intent.Record, cat *catalog.Catalog) intent.Result {
	outcomes := make([]deviceOutcome, 0, len(rec.DeviceIDs))
	for _, id := range rec.DeviceIDs {
		dev, ok := cat.Device(id)
		if !ok {
			outcomes = append(outcomes, deviceOutcome{device: catalog.Device{ID: id}, err: catalog.ErrUnresolvedReference})
			continue
		}
		raw, err := q.backend.GetStatus(ctx, id)
		outcomes = append(outcomes, deviceOutcome{device: dev, raw: raw, err: err})
	}
	if len(outcomes) == 0 {
		return intent.Failed(rec, "no devices to query", ErrContractViolation)
	}

	res := combine(rec, outcomes)
	lines := make([]string, len(outcomes))
	for i, o := range outcomes {
		if o.err != nil {
			lines[i] = o.line()
			continue
		}
		lines[i] = o.device.Label() + ": " + summarizeStatus(o.raw)
	}
	res.Summary = strings.Join(lines, "; ")
	return res
}

type statusEntry struct {
	Code  string `json:"code"`
	Value any    `json:"value"`
}

// summarizeStatus renders a status payload as sorted "code=value" pairs.
// It understands {"data":{"status":[...]}}, {"status":[...]} and
// {"data":[...]}.
func summarizeStatus(raw json.RawMessage) string {
	var doc struct {
		Data   json.RawMessage `json:"data"`
		Status []statusEntry   `json:"status"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "status unavailable"
	}
	entries := doc.Status
	if len(entries) == 0 && len(doc.Data) > 0 {
		var inner struct {
			Status []statusEntry `json:"status"`
		}
		if json.Unmarshal(doc.Data, &inner) == nil && len(inner.Status) > 0 {
			entries = inner.Status
		} else {
			_ = json.Unmarshal(doc.Data, &entries)
		}
	}
	if len(entries) == 0 {
		return "no status reported"
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Code == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", e.Code, formatValue(e.Value)))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
