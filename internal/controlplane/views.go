package controlplane

import (
	"html/template"
	"strings"
)

// FileLink is one entry of a file listing page.
type FileLink struct {
	Name string
	Href string
}

type overviewData struct {
	Tree    Tree
	Journal []string
	Refresh int
	// Live is set when /events is available; Since is the last event seq
	// already reflected in the page.
	Live  bool
	Since int64
}

type listData struct {
	Title string
	Files []FileLink
	Empty string
}

type documentData struct {
	Title   string
	Back    string
	BackTo  string
	Content string
}

const layoutHTML = `{{define "top"}}<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>{{.}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
pre { background: #f4f4f4; padding: 1em; white-space: pre-wrap; }
.stopped { color: #a00; }
.absent { color: #888; }
table { border-collapse: collapse; }
td, th { padding: 0.2em 0.8em; text-align: left; }
</style>
</head>
<body>
<nav><a href="/">Dashboard</a> | <a href="/teams">Teams</a> | <a href="/specs">Specs</a> | <a href="/progress">Progress</a> | <a href="/api_logs">API logs</a> | <a href="/network.svg">Network</a> | <a href="/tree.json">tree.json</a></nav>
<h1>{{.}}</h1>
{{end}}
{{define "bottom"}}</body>
</html>
{{end}}
{{define "marker"}}{{if .Present}}<a href="/progress/{{.Name}}">{{.Name}}</a>{{else}}<span class="absent">None</span>{{end}}{{end}}
{{define "control"}}{{if .Stopped}}<form method="post" action="/start/{{.File}}" style="display:inline"><button type="submit">Start</button></form>{{else}}<form method="post" action="/stop/{{.File}}" style="display:inline"><button type="submit">Stop</button></form>{{end}}{{end}}
`

const overviewHTML = `{{template "top" "Cascade Dashboard"}}
<ul id="totals">
  <li>Total teams: <span id="team-count">{{len .Tree.Teams}}</span></li>
  <li>Total workers: <span id="worker-count">{{.Tree.WorkerCount}}</span></li>
  <li>Queued specs: <span id="queued">{{.Tree.Queued}}</span></li>
  <li>API calls:
    <ul>
      <li>Manager: <span id="calls-manager">{{index .Tree.APICalls "manager"}}</span></li>
      <li>Worker: <span id="calls-worker">{{index .Tree.APICalls "worker"}}</span></li>
      <li>CEO: <span id="calls-ceo">{{index .Tree.APICalls "ceo"}}</span></li>
    </ul>
  </li>
</ul>
<table>
<tr><th>Team</th><th>State</th><th>Workers done</th><th></th></tr>
{{range .Tree.Teams}}<tr class="team{{if .Stopped}} stopped{{end}}"><td><a href="/specs/{{.File}}">{{.ID}}</a></td><td>{{.State}}</td><td>{{doneCount .Workers}}/{{len .Workers}}</td><td>{{template "control" .}}</td></tr>
{{end}}</table>
{{if .Tree.Malformed}}<h2>Malformed specs</h2>
<ul>{{range .Tree.Malformed}}<li class="malformed">{{.}}</li>{{end}}</ul>{{end}}
<form method="post" action="/tick"><button type="submit">Run one tick</button></form>
<h2>Journal</h2>
<pre id="journal">{{range .Journal}}{{.}}
{{else}}No ticks recorded yet.{{end}}</pre>
<script>
setTimeout(function () { location.reload(); }, {{.Refresh}});
{{if .Live}}if (window.EventSource) {
  var stream = new EventSource("/events?since={{.Since}}");
  ["tick_finished", "teams_seeded", "team_stopped", "team_resumed"].forEach(function (name) {
    stream.addEventListener(name, function () { location.reload(); });
  });
}{{end}}
</script>
{{template "bottom"}}`

const teamsHTML = `{{template "top" "Teams & Workers"}}
<ul>
{{range .Teams}}<li class="team" id="team-{{.ID}}">
  <b>{{.ID}}</b> ({{.State}}) spec: <a href="/specs/{{.File}}">{{.File}}</a> [{{template "control" .}}]
  <ul>
    <li>Manager: {{template "marker" .Manager}}</li>
    <li>CEO: {{template "marker" .Summary}}</li>
  </ul>
  {{if .Workers}}Workers:
  <ul>
    {{range .Workers}}<li class="worker" id="worker-{{.ID}}">{{.ID}} spec: <a href="/specs/{{.File}}">{{.File}}</a>
      progress: {{template "marker" .Progress}}{{if .ExitCode}} exit {{deref .ExitCode}}{{end}}
      {{if .APILog.Present}}log: <a href="/api_logs/{{.APILog.Name}}">{{.APILog.Name}}</a>{{end}}</li>
    {{end}}
  </ul>{{end}}
</li>
{{else}}<li>No teams yet.</li>
{{end}}</ul>
{{if .Unowned}}<h2>Workers without a team</h2>
<ul>{{range .Unowned}}<li class="worker">{{.ID}} spec: <a href="/specs/{{.File}}">{{.File}}</a> progress: {{template "marker" .Progress}}</li>{{end}}</ul>{{end}}
{{template "bottom"}}`

const listHTML = `{{template "top" .Title}}
<ul>
{{range .Files}}<li><a href="{{.Href}}">{{.Name}}</a></li>
{{else}}<li>{{.Empty}}</li>
{{end}}</ul>
{{template "bottom"}}`

const documentHTML = `{{template "top" .Title}}
<pre>{{.Content}}</pre>
<p><a href="{{.Back}}">Back to {{.BackTo}}</a></p>
{{template "bottom"}}`

var pageFuncs = template.FuncMap{
	"doneCount": func(workers []Worker) int {
		n := 0
		for _, w := range workers {
			if w.Progress.Present {
				n++
			}
		}
		return n
	},
	"deref": func(v *int) int {
		if v == nil {
			return 0
		}
		return *v
	},
}

var pages = map[string]*template.Template{
	"overview": parsePage("overview", overviewHTML),
	"teams":    parsePage("teams", teamsHTML),
	"list":     parsePage("list", listHTML),
	"document": parsePage("document", documentHTML),
}

func parsePage(name, body string) *template.Template {
	t := template.Must(template.New(name).Funcs(pageFuncs).Parse(layoutHTML))
	return template.Must(t.Parse(strings.TrimSpace(body)))
}
