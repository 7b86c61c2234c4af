package systemd

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/hostkit/hostkit/pkg/types"
)

// Marker distinguishes hostkit-generated unit files from hand-edited ones.
const Marker = "# Managed by hostkit. Do not edit; changes are overwritten."

var serviceTmpl = template.Must(template.New("service").Parse(Marker + `
[Unit]
Description={{.Description}}
After=network.target{{range .After}} {{.}}{{end}}

[Service]
Type={{.Type}}
User={{.User}}
{{- if .WorkingDir}}
WorkingDirectory={{.WorkingDir}}
{{- end}}
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}
ExecStart={{.ExecStart}}
{{- if .Restart}}
Restart={{.Restart}}
RestartSec=3
{{- end}}
{{- if .LogDir}}
StandardOutput=append:{{.LogDir}}/{{.LogName}}.log
StandardError=append:{{.LogDir}}/{{.LogName}}.error.log
{{- end}}
{{- range .Directives}}
{{.}}
{{- end}}

[Install]
WantedBy=multi-user.target
`))

var timerTmpl = template.Must(template.New("timer").Parse(Marker + `
[Unit]
Description=Timer for {{.Description}}

[Timer]
OnCalendar={{.OnCalendar}}
Persistent=true

[Install]
WantedBy=timers.target
`))

// serviceParams feeds the service template.
type serviceParams struct {
	Description string
	After       []string
	Type        string
	User        string
	WorkingDir  string
	EnvFile     string
	ExecStart   string
	Restart     string
	LogDir      string
	LogName     string
	Directives  []string
}

// timerParams feeds the timer template.
type timerParams struct {
	Description string
	OnCalendar  string
}

// resourceDirectives renders a limits row as cgroup unit directives.
// Disabled or nil limits yield nothing.
func resourceDirectives(l *types.ResourceLimits) []string {
	if l == nil || !l.Enabled {
		return nil
	}
	var out []string
	if l.CPUQuotaPercent != nil {
		out = append(out, fmt.Sprintf("CPUQuota=%d%%", *l.CPUQuotaPercent))
	}
	if l.MemoryMaxMB != nil {
		out = append(out, fmt.Sprintf("MemoryMax=%dM", *l.MemoryMaxMB))
	}
	if l.MemoryHighMB != nil {
		out = append(out, fmt.Sprintf("MemoryHigh=%dM", *l.MemoryHighMB))
	}
	if l.TasksMax != nil {
		out = append(out, fmt.Sprintf("TasksMax=%d", *l.TasksMax))
	}
	return out
}

// appExecStart maps a runtime to its start command. The working directory
// is the app symlink, so the command always runs the current release.
func appExecStart(runtime types.Runtime, home string, port int) string {
	switch runtime {
	case types.RuntimePython:
		return fmt.Sprintf("%s/venv/bin/python -m uvicorn main:app --host 127.0.0.1 --port %d", home, port)
	case types.RuntimeNode:
		return fmt.Sprintf("/usr/bin/node %s/app/server.js", home)
	case types.RuntimeNextJS:
		return fmt.Sprintf("/usr/bin/npx next start --port %d", port)
	case types.RuntimeStatic:
		return fmt.Sprintf("/usr/bin/python3 -m http.server %d --directory %s/app", port, home)
	default:
		return fmt.Sprintf("/bin/false # unknown runtime %s", runtime)
	}
}

// AppStartCommand returns the app start command as argv, for running the
// entrypoint in the foreground outside systemd.
func AppStartCommand(runtime types.Runtime, home string, port int) []string {
	return strings.Fields(appExecStart(runtime, home, port))
}

// workerExecStart renders a queue-consumer command line.
func workerExecStart(w *types.Worker, home string) string {
	cmd := fmt.Sprintf("%s/venv/bin/celery -A %s worker --concurrency=%d --loglevel=%s",
		home, w.AppModule, w.Concurrency, w.LogLevel)
	if w.Queues != "" {
		cmd += " -Q " + w.Queues
	}
	return cmd
}

// beatExecStart renders the per-project scheduler companion.
func beatExecStart(appModule, home string) string {
	return fmt.Sprintf("%s/venv/bin/celery -A %s beat --loglevel=info", home, appModule)
}

// shellEscape single-quotes a command for embedding in /bin/sh -c.
func shellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
