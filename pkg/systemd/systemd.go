// Package systemd wraps the host init system behind a narrow interface:
// unit file rendering, lifecycle control over dbus, cgroup resource
// directives, calendar translation, and log retrieval.
package systemd

import (
	"context"
	"fmt"
	"strings"
	"time"

	sd "github.com/coreos/go-systemd/v22/dbus"

	"github.com/hostkit/hostkit/pkg/types"
)

// Client is the operation surface hostkit needs from the init system.
// The dbus implementation is production; tests substitute a fake.
type Client interface {
	DaemonReload(ctx context.Context) error
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	IsActive(ctx context.Context, unit string) (bool, error)
	IsEnabled(ctx context.Context, unit string) (bool, error)
	MainPID(ctx context.Context, unit string) (int, error)
	NextElapse(ctx context.Context, timerUnit string) (time.Time, error)
}

// DBusClient talks to systemd over the system bus.
type DBusClient struct {
	conn *sd.Conn
}

var _ Client = (*DBusClient)(nil)

// NewDBusClient connects to the system bus.
func NewDBusClient(ctx context.Context) (*DBusClient, error) {
	conn, err := sd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, types.Wrap(types.ErrSystemd, err, "connect to systemd")
	}
	return &DBusClient{conn: conn}, nil
}

// Close releases the bus connection.
func (c *DBusClient) Close() {
	c.conn.Close()
}

// qualify defaults a bare unit name to the .service suffix. Callers name
// timers explicitly.
func qualify(unit string) string {
	if strings.Contains(unit, ".") {
		return unit
	}
	return unit + ".service"
}

func (c *DBusClient) DaemonReload(ctx context.Context) error {
	if err := c.conn.ReloadContext(ctx); err != nil {
		return types.Wrap(types.ErrSystemd, err, "daemon-reload")
	}
	return nil
}

// await drives a systemd job to completion and surfaces non-"done"
// results as typed errors.
func await(unit, op string, ch chan string, err error) error {
	if err != nil {
		return types.Wrap(types.ErrSystemd, err, "%s %s", op, unit)
	}
	if result := <-ch; result != "done" {
		return types.E(types.ErrServiceStartFailed, "%s %s: job result %q", op, unit, result).
			WithSuggestion(fmt.Sprintf("inspect 'journalctl -u %s' for details", unit))
	}
	return nil
}

func (c *DBusClient) Start(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	_, err := c.conn.StartUnitContext(ctx, qualify(unit), "replace", ch)
	return await(unit, "start", ch, err)
}

func (c *DBusClient) Stop(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	_, err := c.conn.StopUnitContext(ctx, qualify(unit), "replace", ch)
	return await(unit, "stop", ch, err)
}

func (c *DBusClient) Restart(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	_, err := c.conn.RestartUnitContext(ctx, qualify(unit), "replace", ch)
	return await(unit, "restart", ch, err)
}

func (c *DBusClient) Enable(ctx context.Context, unit string) error {
	_, _, err := c.conn.EnableUnitFilesContext(ctx, []string{qualify(unit)}, false, true)
	if err != nil {
		return types.Wrap(types.ErrSystemd, err, "enable %s", unit)
	}
	return nil
}

func (c *DBusClient) Disable(ctx context.Context, unit string) error {
	_, err := c.conn.DisableUnitFilesContext(ctx, []string{qualify(unit)}, false)
	if err != nil {
		return types.Wrap(types.ErrSystemd, err, "disable %s", unit)
	}
	return nil
}

func (c *DBusClient) IsActive(ctx context.Context, unit string) (bool, error) {
	prop, err := c.conn.GetUnitPropertyContext(ctx, qualify(unit), "ActiveState")
	if err != nil {
		return false, types.Wrap(types.ErrSystemd, err, "query %s", unit)
	}
	return prop.Value.Value() == "active", nil
}

func (c *DBusClient) IsEnabled(ctx context.Context, unit string) (bool, error) {
	files, err := c.conn.ListUnitFilesByPatternsContext(ctx, nil, []string{qualify(unit)})
	if err != nil {
		return false, types.Wrap(types.ErrSystemd, err, "query unit file %s", unit)
	}
	for _, f := range files {
		if f.Type == "enabled" {
			return true, nil
		}
	}
	return false, nil
}

func (c *DBusClient) MainPID(ctx context.Context, unit string) (int, error) {
	prop, err := c.conn.GetServicePropertyContext(ctx, qualify(unit), "MainPID")
	if err != nil {
		return 0, types.Wrap(types.ErrSystemd, err, "query main pid of %s", unit)
	}
	pid, ok := prop.Value.Value().(uint32)
	if !ok {
		return 0, types.E(types.ErrSystemd, "unexpected MainPID type for %s", unit)
	}
	return int(pid), nil
}

func (c *DBusClient) NextElapse(ctx context.Context, timerUnit string) (time.Time, error) {
	prop, err := c.conn.GetUnitTypePropertyContext(ctx, qualify(timerUnit), "Timer", "NextElapseUSecRealtime")
	if err != nil {
		return time.Time{}, types.Wrap(types.ErrSystemd, err, "query next elapse of %s", timerUnit)
	}
	usec, ok := prop.Value.Value().(uint64)
	if !ok || usec == 0 {
		return time.Time{}, nil
	}
	return time.UnixMicro(int64(usec)), nil
}
