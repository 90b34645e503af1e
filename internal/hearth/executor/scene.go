package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/hearth/internal/hearth/backend"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
)

// Scene triggers tap-to-run scenes. The scene is resolved by id, then by
// exact or near name; an unresolved scene fails listing what exists.
type Scene struct {
	backend backend.Backend
}

// Execute implements Executor.
func (s *Scene) Execute(ctx context.Context, rec intent.Record, cat *catalog.Catalog) intent.Result {
	sc, err := cat.ResolveScene(rec.SceneID)
	if err != nil {
		sc, err = cat.ResolveScene(rec.SceneName)
	}
	if err != nil {
		name := rec.SceneName
		if name == "" {
			name = rec.SceneID
		}
		available := cat.SceneNames()
		list := "none"
		if len(available) > 0 {
			list = strings.Join(available, ", ")
		}
		return intent.Failed(rec, fmt.Sprintf("scene %q not found; available scenes: %s", name, list), err)
	}

	raw, err := s.backend.TriggerScene(ctx, sc.ID)
	if err != nil {
		res := intent.Failed(rec, fmt.Sprintf("scene %s: failed (%v)", sc.Name, err), err)
		res.Raw = raw
		return res
	}
	return intent.Success(rec, fmt.Sprintf("scene %s activated", sc.Name), raw)
}
