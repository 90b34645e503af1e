// Package catalog holds the snapshot of devices and scenes the assistant
// can act on, and the TTL cache that keeps it fresh.
//
// A Catalog is immutable once built; every lookup method is safe to call
// on a nil *Catalog, which behaves as an empty catalog.
package catalog

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"
)

// ErrUnresolvedReference is returned when a device or scene reference is not
// in the current catalog.
var ErrUnresolvedReference = errors.New("catalog: unresolved reference")

// Device is a controllable device known to the backend.
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProductType string `json:"product_type,omitempty"`
	Category    string `json:"category,omitempty"`
	Space       string `json:"space,omitempty"`
	Subspace    string `json:"subspace,omitempty"`
	Tag         string `json:"tag,omitempty"`
}

// Label returns the device name, or its id when unnamed.
func (d Device) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Scene is a tap-to-run scene.
type Scene struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Function is one command a device declares, e.g. {"switch_1", "Boolean"}.
// Values carries the backend's type constraints verbatim (range, min, max).
type Function struct {
	Code   string          `json:"code"`
	Type   string          `json:"type"`
	Values json.RawMessage `json:"values,omitempty"`
}

// Catalog is an immutable snapshot of devices and scenes.
type Catalog struct {
	devices   []Device
	scenes    []Scene
	deviceIdx map[string]int
	sceneIdx  map[string]int
	fetchedAt time.Time
}

// New builds a catalog. Later duplicates of an id are ignored.
func New(devices []Device, scenes []Scene, fetchedAt time.Time) *Catalog {
	c := &Catalog{
		deviceIdx: make(map[string]int, len(devices)),
		sceneIdx:  make(map[string]int, len(scenes)),
		fetchedAt: fetchedAt,
	}
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		if _, dup := c.deviceIdx[d.ID]; dup {
			continue
		}
		c.deviceIdx[d.ID] = len(c.devices)
		c.devices = append(c.devices, d)
	}
	for _, s := range scenes {
		if s.ID == "" {
			continue
		}
		if _, dup := c.sceneIdx[s.ID]; dup {
			continue
		}
		c.sceneIdx[s.ID] = len(c.scenes)
		c.scenes = append(c.scenes, s)
	}
	return c
}

// Devices returns a copy of the device list.
func (c *Catalog) Devices() []Device {
	if c == nil {
		return nil
	}
	return append([]Device(nil), c.devices...)
}

// Scenes returns a copy of the scene list.
func (c *Catalog) Scenes() []Scene {
	if c == nil {
		return nil
	}
	return append([]Scene(nil), c.scenes...)
}

// Len returns the number of devices plus scenes.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.devices) + len(c.scenes)
}

// FetchedAt is when the snapshot was loaded from the backend.
func (c *Catalog) FetchedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.fetchedAt
}

// Device looks up a device by id.
func (c *Catalog) Device(id string) (Device, bool) {
	if c == nil {
		return Device{}, false
	}
	i, ok := c.deviceIdx[id]
	if !ok {
		return Device{}, false
	}
	return c.devices[i], true
}

// Scene looks up a scene by id.
func (c *Catalog) Scene(id string) (Scene, bool) {
	if c == nil {
		return Scene{}, false
	}
	i, ok := c.sceneIdx[id]
	if !ok {
		return Scene{}, false
	}
	return c.scenes[i], true
}

// HasDevice reports whether id is a known device.
func (c *Catalog) HasDevice(id string) bool {
	_, ok := c.Device(id)
	return ok
}

// HasScene reports whether id is a known scene.
func (c *Catalog) HasScene(id string) bool {
	_, ok := c.Scene(id)
	return ok
}

// ResolveScene finds a scene by id, then by name. Names match when they are
// equal after ignoring case, spacing, punctuation and a trailing "scene" or
// "mode". Two scenes sharing a normalised name are not resolved.
func (c *Catalog) ResolveScene(ref string) (Scene, error) {
	if s, ok := c.Scene(ref); ok {
		return s, nil
	}
	want := normalizeSceneName(ref)
	if c == nil || want == "" {
		return Scene{}, ErrUnresolvedReference
	}
	var found []Scene
	for _, s := range c.scenes {
		if normalizeSceneName(s.Name) == want {
			found = append(found, s)
		}
	}
	if len(found) != 1 {
		return Scene{}, ErrUnresolvedReference
	}
	return found[0], nil
}

// SceneNames returns scene names sorted alphabetically.
func (c *Catalog) SceneNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.scenes))
	for _, s := range c.scenes {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

func normalizeSceneName(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if n := len(words); n > 1 && (words[n-1] == "scene" || words[n-1] == "mode") {
		words = words[:n-1]
	}
	return strings.Join(words, "")
}
