package systemd

import (
	"context"
	"sync"
	"time"

	"github.com/hostkit/hostkit/pkg/types"
)

// FakeClient is an in-memory Client for tests and dry runs. It records
// every call and tracks active/enabled state per unit.
type FakeClient struct {
	mu      sync.Mutex
	Calls   []string
	active  map[string]bool
	enabled map[string]bool
	pids    map[string]int
	elapses map[string]time.Time

	// FailUnits makes lifecycle calls on the named units fail.
	FailUnits map[string]bool
}

// NewFakeClient returns an empty fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		active:    map[string]bool{},
		enabled:   map[string]bool{},
		pids:      map[string]int{},
		elapses:   map[string]time.Time{},
		FailUnits: map[string]bool{},
	}
}

func (f *FakeClient) record(op, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, op+" "+unit)
	if f.FailUnits[unit] {
		return types.E(types.ErrServiceStartFailed, "%s %s: job failed", op, unit)
	}
	return nil
}

func (f *FakeClient) DaemonReload(ctx context.Context) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, "daemon-reload")
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Start(ctx context.Context, unit string) error {
	if err := f.record("start", unit); err != nil {
		return err
	}
	f.mu.Lock()
	f.active[unit] = true
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Stop(ctx context.Context, unit string) error {
	if err := f.record("stop", unit); err != nil {
		return err
	}
	f.mu.Lock()
	f.active[unit] = false
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Restart(ctx context.Context, unit string) error {
	if err := f.record("restart", unit); err != nil {
		return err
	}
	f.mu.Lock()
	f.active[unit] = true
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Enable(ctx context.Context, unit string) error {
	if err := f.record("enable", unit); err != nil {
		return err
	}
	f.mu.Lock()
	f.enabled[unit] = true
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Disable(ctx context.Context, unit string) error {
	if err := f.record("disable", unit); err != nil {
		return err
	}
	f.mu.Lock()
	f.enabled[unit] = false
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) IsActive(ctx context.Context, unit string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[unit], nil
}

func (f *FakeClient) IsEnabled(ctx context.Context, unit string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[unit], nil
}

func (f *FakeClient) MainPID(ctx context.Context, unit string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pids[unit], nil
}

func (f *FakeClient) NextElapse(ctx context.Context, timerUnit string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.elapses[timerUnit]; ok {
		return t, nil
	}
	return time.Time{}, types.E(types.ErrServiceNotFound, "timer %s not loaded", timerUnit)
}

// SetActive seeds unit state for tests.
func (f *FakeClient) SetActive(unit string, active bool) {
	f.mu.Lock()
	f.active[unit] = active
	f.mu.Unlock()
}

// SetPID seeds a main PID for tests.
func (f *FakeClient) SetPID(unit string, pid int) {
	f.mu.Lock()
	f.pids[unit] = pid
	f.mu.Unlock()
}

// SetNextElapse seeds a timer fire time for tests.
func (f *FakeClient) SetNextElapse(timerUnit string, t time.Time) {
	f.mu.Lock()
	f.elapses[timerUnit] = t
	f.mu.Unlock()
}
