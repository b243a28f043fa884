package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/wellness-monitor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"ago": func(now time.Time, t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return fmt.Sprintf("%ds ago", int64(now.Sub(t).Seconds()))
	},
	"clock": func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.UTC().Format("15:04:05Z")
	},
	"f1": func(v float64) string {
		return fmt.Sprintf("%.1f", v)
	},
	"stateOrIdle": func(s string) string {
		if s == "" {
			return "idle"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Wellness Monitor</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.ok { color: green; font-weight: bold; }
.warn { color: orange; font-weight: bold; }
.err { color: red; }
.muted { color: #888; }
</style>
</head>
<body>
<h1>Wellness Monitor</h1>

<h2>Session</h2>
<table>
<tr><th>State</th><td id="session-state" class="{{if eq (stateOrIdle (printf "%s" .Session.State)) "running"}}ok{{else if eq (stateOrIdle (printf "%s" .Session.State)) "failed"}}err{{else}}muted{{end}}">{{stateOrIdle (printf "%s" .Session.State)}}</td></tr>
<tr><th>Last seen</th><td>{{ago .Now .Session.LastPresence}}</td></tr>
{{if .Session.Fault}}<tr><th>Fault</th><td class="err">{{.Session.Fault.Kind}}{{if .Session.Fault.Exhausted}} (retries exhausted){{end}}</td></tr>{{end}}
{{if .Session.Retry.IsRetrying}}<tr><th>Retry</th><td class="warn">attempt {{.Session.Retry.Attempts}} of {{.Session.Retry.MaxRetries}}, next {{clock .Session.Retry.NextRetry}}</td></tr>{{end}}
</table>

<h2>Blink</h2>
<table>
<tr><th>Rate</th><td id="blink-rate">{{f1 .Session.BlinkRate.PerMinute}} / min</td></tr>
<tr><th>Total</th><td>{{.Session.Blink.TotalBlinks}}</td></tr>
<tr><th>Policy</th><td class="{{if .Blink.ConditionActive}}warn{{else}}ok{{end}}">{{if .Blink.Status}}{{.Blink.Status}}{{else}}NORMAL{{end}}</td></tr>
<tr><th>Last reminder</th><td>{{clock .Blink.LastNotification}}</td></tr>
</table>

<h2>Posture</h2>
<table>
<tr><th>Score</th><td id="posture-score">{{f1 .Session.Posture.Score}}</td></tr>
<tr><th>Head pitch</th><td>{{f1 .Session.Posture.HeadPitch}}&deg;</td></tr>
<tr><th>Calibrated</th><td>{{if .Session.Posture.Baseline}}yes{{else}}no{{end}}</td></tr>
<tr><th>Policy</th><td class="{{if .Posture.ConditionActive}}warn{{else}}ok{{end}}">{{if .Posture.Status}}{{.Posture.Status}}{{else}}NORMAL{{end}}</td></tr>
<tr><th>Last reminder</th><td>{{clock .Posture.LastNotification}}</td></tr>
</table>

<h2>Notifications</h2>
<table>
<tr><th>Paused</th><td id="paused" class="{{if .Pause.IsPaused}}warn{{else}}muted{{end}}">{{if .Pause.IsPaused}}until {{clock .Pause.PausedUntil}} ({{.Pause.Source}}){{else}}no{{end}}</td></tr>
<tr><th>Idle</th><td>{{if .Idle}}yes{{else}}no{{end}}</td></tr>
<tr><th>Blink reminders</th><td>{{.Counts.BlinkNotifications}}</td></tr>
<tr><th>Posture reminders</th><td>{{.Counts.PostureNotifications}}</td></tr>
<tr><th>Suppressed</th><td>{{.Counts.Suppressed}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>FPS</th><td>{{f1 .Session.Performance.CurrentFPS}} ({{.Config.FPSMode}}, target {{f1 .Session.Performance.TargetFPS}}){{if .Session.Performance.IsThrottled}} <span class="warn">throttled</span>{{end}}</td></tr>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}ok{{else}}err{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> &middot; <a href="/metrics">metrics</a></p>
<script>
(function() {
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ws");
  ws.onmessage = function(ev) {
    try {
      var msg = JSON.parse(ev.data);
      if (msg.event === "status") {
        var s = msg.data.status;
        document.getElementById("session-state").textContent = s.session.state;
        document.getElementById("blink-rate").textContent = s.blink.per_minute.toFixed(1) + " / min";
        document.getElementById("posture-score").textContent = s.posture.score.toFixed(1);
        document.getElementById("paused").textContent = s.pause.paused ? "until " + s.pause.until + " (" + s.pause.source + ")" : "no";
      }
    } catch (e) {}
  };
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
