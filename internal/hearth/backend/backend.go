// Package backend defines the device and scene API Hearth acts on, and an
// HTTP client for Syncrow-style home automation backends.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
)

// ErrBackendUnavailable wraps transport failures and timeouts talking to the
// device API.
var ErrBackendUnavailable = errors.New("backend: unavailable")

// StatusError is a non-2xx answer from the device API.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s %s: HTTP %d: %.200s", e.Method, e.Path, e.Code, e.Body)
}

// Scope selects the part of the installation whose devices and scenes are
// listed.
type Scope struct {
	ProjectID   string
	CommunityID string
	SpaceID     string
}

// ScheduleRequest creates a weekly recurring command on one device.
type ScheduleRequest struct {
	DeviceID string
	// Category is the device category name the backend files the schedule
	// under.
	Category string
	// Time is "HH:MM".
	Time string
	// Days are Sun..Sat.
	Days  []string
	Code  string
	Value any
}

// Backend is the device and scene API.
//
// Implementations must be safe for concurrent use. SendCommand, CreateSchedule
// and TriggerScene have side effects and are never retried by callers.
type Backend interface {
	ListDevices(ctx context.Context, scope Scope) ([]catalog.Device, error)
	ListScenes(ctx context.Context, scope Scope) ([]catalog.Scene, error)
	DeviceFunctions(ctx context.Context, deviceID string) ([]catalog.Function, error)
	SendCommand(ctx context.Context, deviceID, code string, value any) (json.RawMessage, error)
	GetStatus(ctx context.Context, deviceID string) (json.RawMessage, error)
	CreateSchedule(ctx context.Context, req ScheduleRequest) (json.RawMessage, error)
	TriggerScene(ctx context.Context, sceneID string) (json.RawMessage, error)
}

// CatalogSource adapts b to catalog.Source for the given scope.
func CatalogSource(b Backend, scope Scope, now func() time.Time) catalog.Source {
	if now == nil {
		now = time.Now
	}
	return catalog.SourceFunc(func(ctx context.Context) (*catalog.Catalog, error) {
		devices, err := b.ListDevices(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		scenes, err := b.ListScenes(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("list scenes: %w", err)
		}
		return catalog.New(devices, scenes, now()), nil
	})
}
