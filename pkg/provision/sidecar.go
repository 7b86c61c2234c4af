package provision

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

// enableSidecar reserves a port from the shared range, renders the unit
// and starts it.
func (o *Orchestrator) enableSidecar(ctx context.Context, project string, kind types.ServiceKind, l fsops.Layout) (int, error) {
	if !validSidecar(kind) {
		return 0, types.E(types.ErrInvalidKey, "unknown sidecar kind %q", kind)
	}
	var port int
	if err := o.store.Transaction(func(tx *sqlx.Tx) error {
		p, err := store.AllocateSidecarPortTx(tx, project, kind, o.cfg.PortRangeStart, o.cfg.PortRangeEnd)
		if err != nil {
			return err
		}
		port = p
		return o.journal.EmitTx(tx, project, types.CategoryService, "sidecar.enabled",
			fmt.Sprintf("%s sidecar on port %d", kind, p), types.LevelInfo,
			map[string]any{"kind": string(kind), "port": p})
	}); err != nil {
		return 0, err
	}
	if err := o.units.WriteSidecarUnit(kind, project, port, &l); err != nil {
		return 0, err
	}
	if err := o.units.EnableAndStart(ctx, kind.UnitName(project, "")); err != nil {
		return 0, err
	}
	return port, nil
}

func validSidecar(kind types.ServiceKind) bool {
	for _, k := range types.SidecarKinds {
		if k == kind {
			return true
		}
	}
	return false
}
