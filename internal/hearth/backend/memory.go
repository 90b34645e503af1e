package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
)

// Call is one recorded side-effecting or read call on a Memory backend.
type Call struct {
	Op     string
	Target string
	Code   string
	Value  any
	Days   []string
	Time   string
}

// Memory is an in-process Backend holding devices, scenes and status in
// maps. It backs the offline chat mode and the package tests: calls are
// recorded, and per-target latency or failures can be injected.
type Memory struct {
	mu        sync.Mutex
	devices   []catalog.Device
	scenes    []catalog.Scene
	functions map[string][]catalog.Function
	status    map[string]map[string]any
	latency   map[string]time.Duration
	failures  map[string]error
	calls     []Call
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		functions: make(map[string][]catalog.Function),
		status:    make(map[string]map[string]any),
		latency:   make(map[string]time.Duration),
		failures:  make(map[string]error),
	}
}

// AddDevice registers a device and the functions it declares.
func (m *Memory) AddDevice(d catalog.Device, fns ...catalog.Function) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, d)
	m.functions[d.ID] = fns
}

// AddScene registers a scene.
func (m *Memory) AddScene(s catalog.Scene) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenes = append(m.scenes, s)
}

// RemoveDevice drops a device, as if it had been unpaired.
func (m *Memory) RemoveDevice(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d.ID == id {
			m.devices = append(m.devices[:i:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.functions, id)
	delete(m.status, id)
}

// SetStatus sets one status value of a device.
func (m *Memory) SetStatus(id, code string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status[id] == nil {
		m.status[id] = make(map[string]any)
	}
	m.status[id][code] = value
}

// SetLatency delays every call targeting id by d.
func (m *Memory) SetLatency(id string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[id] = d
}

// FailOn makes calls of operation op (e.g. "SendCommand") targeting id
// return err. An empty op matches every operation; a nil err clears it.
func (m *Memory) FailOn(op, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + "/" + id
	if err == nil {
		delete(m.failures, key)
		return
	}
	m.failures[key] = err
}

// Calls returns the recorded calls, optionally filtered by operation.
func (m *Memory) Calls(op string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// enter records c, waits for any injected latency and returns any injected
// failure. The wait honours ctx.
func (m *Memory) enter(ctx context.Context, c Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	delay := m.latency[c.Target]
	fail, ok := m.failures[c.Op+"/"+c.Target]
	if !ok {
		fail = m.failures["/"+c.Target]
	}
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, ctx.Err())
		case <-t.C:
		}
	}
	return fail
}

func ack(v any) json.RawMessage {
	data, _ := json.Marshal(map[string]any{"statusCode": 201, "success": true, "data": v})
	return data
}

// ListDevices implements Backend.
func (m *Memory) ListDevices(ctx context.Context, _ Scope) ([]catalog.Device, error) {
	if err := m.enter(ctx, Call{Op: "ListDevices"}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]catalog.Device(nil), m.devices...), nil
}

// ListScenes implements Backend.
func (m *Memory) ListScenes(ctx context.Context, _ Scope) ([]catalog.Scene, error) {
	if err := m.enter(ctx, Call{Op: "ListScenes"}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]catalog.Scene(nil), m.scenes...), nil
}

// DeviceFunctions implements Backend.
func (m *Memory) DeviceFunctions(ctx context.Context, id string) ([]catalog.Function, error) {
	if err := m.enter(ctx, Call{Op: "DeviceFunctions", Target: id}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fns, ok := m.functions[id]
	if !ok {
		return nil, &StatusError{Method: "GET", Path: "/devices/" + id + "/functions", Code: 404}
	}
	return append([]catalog.Function(nil), fns...), nil
}

// SendCommand implements Backend and updates the stored status.
func (m *Memory) SendCommand(ctx context.Context, id, code string, value any) (json.RawMessage, error) {
	if err := m.enter(ctx, Call{Op: "SendCommand", Target: id, Code: code, Value: value}); err != nil {
		return nil, err
	}
	m.SetStatus(id, code, value)
	return ack(map[string]any{"device": id, "code": code}), nil
}

// GetStatus implements Backend. Codes are reported in sorted order.
func (m *Memory) GetStatus(ctx context.Context, id string) (json.RawMessage, error) {
	if err := m.enter(ctx, Call{Op: "GetStatus", Target: id}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]map[string]any, 0, len(m.status[id]))
	for code, v := range m.status[id] {
		entries = append(entries, map[string]any{"code": code, "value": v})
	}
	return ack(map[string]any{"status": entries}), nil
}

// CreateSchedule implements Backend.
func (m *Memory) CreateSchedule(ctx context.Context, req ScheduleRequest) (json.RawMessage, error) {
	c := Call{Op: "CreateSchedule", Target: req.DeviceID, Code: req.Code, Value: req.Value, Time: req.Time, Days: req.Days}
	if err := m.enter(ctx, c); err != nil {
		return nil, err
	}
	return ack(map[string]any{"device": req.DeviceID, "time": req.Time}), nil
}

// TriggerScene implements Backend.
func (m *Memory) TriggerScene(ctx context.Context, id string) (json.RawMessage, error) {
	if err := m.enter(ctx, Call{Op: "TriggerScene", Target: id}); err != nil {
		return nil, err
	}
	return ack(map[string]any{"scene": id}), nil
}

// fixture is the YAML layout read by LoadFixture.
type fixture struct {
	Devices []struct {
		ID          string         `yaml:"id"`
		Name        string         `yaml:"name"`
		ProductType string         `yaml:"product_type"`
		Category    string         `yaml:"category"`
		Space       string         `yaml:"space"`
		Functions   []fixtureFunc  `yaml:"functions"`
		Status      map[string]any `yaml:"status"`
	} `yaml:"devices"`
	Scenes []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"scenes"`
}

type fixtureFunc struct {
	Code   string         `yaml:"code"`
	Type   string         `yaml:"type"`
	Values map[string]any `yaml:"values"`
}

// ParseFixture builds a Memory backend from YAML:
//
//	devices:
//	  - id: switch_1
//	    name: Switch 1
//	    category: switch
//	    functions:
//	      - {code: switch_1, type: Boolean}
//	    status: {switch_1: false}
//	scenes:
//	  - {id: sc_movie, name: Movie Night}
func ParseFixture(data []byte) (*Memory, error) {
	var fx fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("backend: parse fixture: %w", err)
	}
	m := NewMemory()
	for i, d := range fx.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("backend: fixture device %d has no id", i)
		}
		fns := make([]catalog.Function, 0, len(d.Functions))
		for _, f := range d.Functions {
			fn := catalog.Function{Code: f.Code, Type: f.Type}
			if len(f.Values) > 0 {
				vals, err := json.Marshal(f.Values)
				if err != nil {
					return nil, fmt.Errorf("backend: fixture %s.%s values: %w", d.ID, f.Code, err)
				}
				fn.Values = vals
			}
			fns = append(fns, fn)
		}
		m.AddDevice(catalog.Device{
			ID: d.ID, Name: d.Name, ProductType: d.ProductType, Category: d.Category, Space: d.Space,
		}, fns...)
		for code, v := range d.Status {
			m.SetStatus(d.ID, code, v)
		}
	}
	for i, s := range fx.Scenes {
		if s.ID == "" {
			return nil, fmt.Errorf("backend: fixture scene %d has no id", i)
		}
		m.AddScene(catalog.Scene{ID: s.ID, Name: s.Name})
	}
	return m, nil
}

// LoadFixture reads a YAML fixture file.
func LoadFixture(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backend: read fixture: %w", err)
	}
	return ParseFixture(data)
}
