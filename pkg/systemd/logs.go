package systemd

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/types"
)

// LogOptions selects which slice of a unit's logs to fetch.
type LogOptions struct {
	Lines     int    // tail length, defaults to 50
	ErrorOnly bool   // restrict to err-and-worse priority
	Since     string // journalctl-style time ref, e.g. "1 hour ago"
}

// Logs fetches recent journal output for a unit.
func Logs(ctx context.Context, runner execx.Runner, unit string, opts LogOptions) (string, error) {
	res, err := runner.Run(ctx, journalCmd(unit, opts, false))
	if err != nil {
		return "", types.Wrap(types.ErrSystemd, err, "read journal for %s", unit)
	}
	return res.Stdout, nil
}

// FollowLogs streams journal output for a unit until the returned
// stream is closed.
func FollowLogs(ctx context.Context, runner execx.Runner, unit string, opts LogOptions) (*execx.Stream, error) {
	stream, err := runner.Start(ctx, journalCmd(unit, opts, true))
	if err != nil {
		return nil, types.Wrap(types.ErrSystemd, err, "follow journal for %s", unit)
	}
	return stream, nil
}

// AppLogFile returns the file-backed app log path for projects whose
// units redirect stdout to the log directory.
func AppLogFile(logDir, logName string, errorOnly bool) string {
	if errorOnly {
		return filepath.Join(logDir, logName+".error.log")
	}
	return filepath.Join(logDir, logName+".log")
}

func journalCmd(unit string, opts LogOptions, follow bool) execx.Cmd {
	lines := opts.Lines
	if lines <= 0 {
		lines = 50
	}
	args := []string{"-u", unit + ".service", "-n", strconv.Itoa(lines), "--no-pager", "-o", "short-iso"}
	if opts.ErrorOnly {
		args = append(args, "-p", "err")
	}
	if opts.Since != "" {
		args = append(args, "--since", opts.Since)
	}
	if follow {
		args = append(args, "-f")
	}
	return execx.Cmd{Name: "journalctl", Args: args}
}
