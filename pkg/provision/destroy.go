package provision

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
)

// Destroy tears a project down completely. Every step is attempted even
// when earlier ones fail; problems are collected into the result so a
// partial teardown is visible rather than silent.
func (o *Orchestrator) Destroy(ctx context.Context, project string, dropDatabase bool) (*Result, error) {
	proj, err := o.store.GetProject(project)
	if err != nil {
		return nil, err
	}
	res := &Result{Project: project, Port: proj.Port}
	l := o.layout(project)

	// Units first so nothing restarts mid-teardown.
	workers, err := o.store.ListWorkers(project)
	if err != nil {
		workers = nil
	}
	tasks, err := o.store.ListScheduledTasks(project)
	if err != nil {
		tasks = nil
	}
	for _, unit := range systemd.ProjectUnits(project, workers, tasks) {
		_ = o.units.StopAndDisable(ctx, unit)
		_ = o.units.RemoveUnit(unit, "service")
	}
	for _, t := range tasks {
		timer := types.ServiceCron.UnitName(project, t.Name) + ".timer"
		_ = o.units.Client().Stop(ctx, timer)
		_ = o.units.Client().Disable(ctx, timer)
		_ = o.units.RemoveUnit(types.ServiceCron.UnitName(project, t.Name), "timer")
	}
	if err := o.units.Client().DaemonReload(ctx); err != nil {
		res.fail("daemon-reload", err)
	} else {
		res.ok("remove units", "")
	}

	if dropDatabase {
		if err := o.dropDatabase(ctx, project); err != nil {
			res.fail("drop database", err)
		} else {
			res.ok("drop database", project)
		}
	}

	if err := o.vault.DeleteProject(project); err != nil {
		res.fail("delete secrets", err)
	} else {
		res.ok("delete secrets", "")
	}

	for _, dir := range []string{l.Home(), l.BackupDir(), l.LogDir()} {
		if err := o.fs.RemoveTree(dir, dir); err != nil {
			res.fail("remove "+dir, err)
		}
	}
	res.ok("remove trees", l.Home())

	if _, err := o.runner.Run(ctx, execx.Cmd{Name: "userdel", Args: []string{"--remove", project}}); err != nil {
		res.fail("delete user", err)
	} else {
		res.ok("delete user", project)
	}

	// The row goes last; its deletion cascades releases, checkpoints,
	// workers, tasks and sidecar ports. Events carry no foreign key and
	// outlive the project as audit history.
	if err := o.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.DeleteProjectTx(tx, project); err != nil {
			return err
		}
		return o.journal.EmitTx(tx, project, types.CategoryProject, "project.deleted",
			fmt.Sprintf("project destroyed (port %d freed)", proj.Port), types.LevelWarning,
			map[string]any{"port": proj.Port, "dropped_database": dropDatabase})
	}); err != nil {
		return res, err
	}
	res.ok("delete record", "")
	return res, nil
}

func (o *Orchestrator) dropDatabase(ctx context.Context, project string) error {
	admin, err := o.admin(ctx, "postgres")
	if err != nil {
		return err
	}
	defer admin.Close(ctx)
	if err := admin.Exec(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %s WITH (FORCE)`, project)); err != nil {
		return types.Wrap(types.ErrDatabaseFailed, err, "drop database %s", project)
	}
	if err := admin.Exec(ctx, fmt.Sprintf(`DROP ROLE IF EXISTS %s`, project)); err != nil {
		return types.Wrap(types.ErrDatabaseFailed, err, "drop role %s", project)
	}
	return nil
}
