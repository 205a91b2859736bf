package webui

import (
	"html/template"
)

// Templates contains the dashboard templates
var Templates = template.Must(template.New("").Funcs(template.FuncMap{
	"levelClass": func(level string) string {
		switch level {
		case "error", "fatal", "panic":
			return "log-error"
		case "warn":
			return "log-warn"
		case "debug", "trace":
			return "log-debug"
		default:
			return "log-info"
		}
	},
	"stateClass": func(state string) string {
		switch state {
		case "blocked":
			return "red"
		case "suspected", "offline":
			return "amber"
		case "responding":
			return "green"
		default:
			return "muted"
		}
	},
}).Parse(`
{{define "base"}}
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <meta http-equiv="refresh" content="30">
    <title>Pingwatch</title>
    <style>
        :root {
            --bg-primary: #0d1117;
            --bg-secondary: #161b22;
            --border-color: #30363d;
            --text-primary: #e6edf3;
            --text-secondary: #8b949e;
            --green: #3fb950;
            --amber: #d29922;
            --red: #f85149;
            --blue: #58a6ff;
        }
        body { margin: 0; background: var(--bg-primary); color: var(--text-primary); font-family: system-ui, sans-serif; }
        header { padding: 1rem 2rem; border-bottom: 1px solid var(--border-color); display: flex; justify-content: space-between; }
        main { padding: 1.5rem 2rem; display: grid; gap: 1.5rem; }
        .stats { display: grid; grid-template-columns: repeat(auto-fit, minmax(160px, 1fr)); gap: 1rem; }
        .card { background: var(--bg-secondary); border: 1px solid var(--border-color); border-radius: 8px; padding: 1rem; }
        .stat-value { font-size: 1.8rem; font-weight: 600; }
        .stat-label, .muted { color: var(--text-secondary); }
        .green { color: var(--green); } .amber { color: var(--amber); } .red { color: var(--red); } .blue { color: var(--blue); }
        table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
        th, td { text-align: left; padding: 0.4rem 0.6rem; border-bottom: 1px solid var(--border-color); }
        .logs { font-family: monospace; font-size: 0.8rem; max-height: 360px; overflow-y: auto; }
        .log-error { color: var(--red); } .log-warn { color: var(--amber); } .log-debug { color: var(--text-secondary); }
    </style>
</head>
<body>
    <header>
        <strong>Pingwatch</strong>
        <span class="muted">{{if .Version}}{{.Version}}{{if ne .Commit "unknown"}} ({{.Commit | printf "%.7s"}}){{end}}{{else}}dev{{end}} · up {{.Uptime}}</span>
    </header>
    <main>
        {{template "content" .}}
    </main>
</body>
</html>
{{end}}

{{define "content"}}
<section class="stats">
    <div class="card"><div class="stat-value blue">{{.FamilyCount}}</div><div class="stat-label">Families</div></div>
    <div class="card"><div class="stat-value blue">{{.DeviceCount}}</div><div class="stat-label">Devices</div></div>
    <div class="card"><div class="stat-value {{if gt .BlockedCount 0}}red{{else}}green{{end}}">{{.BlockedCount}}</div><div class="stat-label">Blocked</div></div>
    <div class="card"><div class="stat-value {{if gt .AlertCount 0}}red{{else}}green{{end}}">{{.AlertCount}}</div><div class="stat-label">Active alerts</div></div>
</section>

<section class="card">
    <h3>Last sweep</h3>
    {{with .LastSweep}}
    <p class="muted">{{.StartedAt.Format "2006-01-02 15:04:05"}} · {{.Duration}}</p>
    <p>evaluated {{.Evaluated}} · pending {{.Pending}} · responding {{.Responding}} · offline {{.Offline}} · escalated {{.Escalated}} · probes sent {{.ProbesSent}} · failed {{.ProbesFailed}}</p>
    {{range .Errors}}<p class="red">{{.}}</p>{{end}}
    {{else}}
    <p class="muted">No sweep has completed yet</p>
    {{end}}
</section>

<section class="card">
    <h3>Devices</h3>
    {{if .Devices}}
    <table>
        <tr><th>Family</th><th>Device</th><th>State</th><th>Last probe</th><th>Last response</th><th>Last heartbeat</th></tr>
        {{range .Devices}}
        <tr>
            <td>{{.FamilyID}}</td>
            <td>{{.Name}}{{if .ChannelInvalid}} <span class="amber">(channel invalid)</span>{{else if not .HasChannel}} <span class="muted">(unpaired)</span>{{end}}</td>
            <td class="{{stateClass .State}}">{{.State}}</td>
            <td>{{.LastProbe}}</td>
            <td>{{.LastResponse}}</td>
            <td>{{.LastHeartbeat}}</td>
        </tr>
        {{end}}
    </table>
    {{else}}
    <p class="muted">No devices registered</p>
    {{end}}
</section>

<section class="card">
    <h3>Active alerts</h3>
    {{if .Alerts}}
    <table>
        <tr><th>Device</th><th>Blocked at</th><th>Delivered</th><th>Failed</th></tr>
        {{range .Alerts}}
        <tr>
            <td>{{.DeviceName}} <span class="muted">{{.Key}}</span></td>
            <td>{{.BlockedAt.Format "2006-01-02 15:04:05"}}</td>
            <td>{{.Delivered}}</td>
            <td>{{.Failed}}</td>
        </tr>
        {{end}}
    </table>
    {{else}}
    <p class="muted">No active alerts</p>
    {{end}}
</section>

<section class="card">
    <h3>Recent logs</h3>
    <div class="logs">
        {{range .Logs}}
        <div class="{{levelClass .Level}}">{{.Timestamp.Format "15:04:05"}} {{.Level}} {{if .Component}}[{{.Component}}] {{end}}{{.Message}}</div>
        {{end}}
    </div>
</section>
{{end}}
`))
