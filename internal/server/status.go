// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"sync"
	"time"

	sigar "github.com/cloudfoundry/gosigar"

	log "github.com/golang/glog"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>{{.JobName}} status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
      padding-top: 4px;
      padding-bottom: 4px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}
  </style>
</head>

<body>

<h3>{{.JobName}}</h3>

<table>
  <tr>
    <td>Free memory:</td>
    <td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Started:</td>
    <td>{{.Started}}</td>
  </tr>
  {{range .Fields}}
  <tr>
    <td>{{.Name}}:</td>
    <td>{{.Value}}</td>
  </tr>
  {{end}}
</table>

{{range .Tables}}
<br>
<table class="status">
  <caption>{{.Caption}}</caption>
  <tr>
    <th>Name</th>
    <th>Stats</th>
  </tr>
  {{range .Rows}}
  <tr>
    <td>{{.Name}}</td>
    <td>{{.Value}}</td>
  </tr>
  {{end}}
</table>
{{end}}

<br>
status update time: {{.Now}}
</body>
</html>
`

// StatusRow is one name/value line of a status table.
type StatusRow struct {
	Name  string
	Value string
}

// StatusTable is a captioned table of rows, usually an OpMetric dump.
type StatusTable struct {
	Caption string
	Rows    []StatusRow
}

// StatusData is everything the status template renders, also served as json
// when the "Accept" header asks for it.
type StatusData struct {
	JobName  string
	FreeMem  uint64
	TotalMem uint64
	Started  time.Time
	Fields   []StatusRow
	Tables   []StatusTable
	Now      time.Time
}

// Convert bytes into mbs.
func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

var (
	// When did the process come up?
	started = time.Now()

	// Add custom functions.
	funcMap = template.FuncMap{"byteToMB": byteToMB}

	// Status html template.
	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// StatusPage serves a process status view at "/": fixed fields set by the
// owner plus tables whose rows are pulled fresh on every request. Safe for
// concurrent use.
type StatusPage struct {
	jobName string

	mu     sync.Mutex
	fields map[string]string
	tables []statusProvider
}

type statusProvider struct {
	caption string
	rows    func() map[string]string
}

// NewStatusPage returns an empty page for the named job.
func NewStatusPage(jobName string) *StatusPage {
	return &StatusPage{jobName: jobName, fields: make(map[string]string)}
}

// SetField sets one line of the top table, replacing any previous value.
func (p *StatusPage) SetField(name, value string) {
	p.mu.Lock()
	p.fields[name] = value
	p.mu.Unlock()
}

// AddTable registers a table; rows is called on every render.
func (p *StatusPage) AddTable(caption string, rows func() map[string]string) {
	p.mu.Lock()
	p.tables = append(p.tables, statusProvider{caption: caption, rows: rows})
	p.mu.Unlock()
}

// genStatus snapshots the page into renderable data.
func (p *StatusPage) genStatus() StatusData {
	// Pull memory info.
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	p.mu.Lock()
	fields := sortRows(p.fields)
	tables := make([]StatusTable, 0, len(p.tables))
	providers := append([]statusProvider(nil), p.tables...)
	p.mu.Unlock()

	// Providers may take their own locks; call them outside ours.
	for _, sp := range providers {
		tables = append(tables, StatusTable{Caption: sp.caption, Rows: sortRows(sp.rows())})
	}

	return StatusData{
		JobName:  p.jobName,
		FreeMem:  mem.ActualFree,
		TotalMem: mem.Total,
		Started:  started,
		Fields:   fields,
		Tables:   tables,
		Now:      time.Now(),
	}
}

func sortRows(m map[string]string) []StatusRow {
	rows := make([]StatusRow, 0, len(m))
	for k, v := range m {
		rows = append(rows, StatusRow{Name: k, Value: v})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

// ServeHTTP renders the page. With "Accept: application/json" it sends json
// encoded status; otherwise html.
func (p *StatusPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		p.handleJSON(w)
	} else {
		p.handleHTML(w)
	}
}

func (p *StatusPage) handleHTML(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, p.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode html status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (p *StatusPage) handleJSON(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(p.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode json status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
