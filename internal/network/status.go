// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package network

import (
	"bytes"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	units "github.com/docker/go-units"
	log "github.com/golang/glog"

	"github.com/plotfarm/plotfarm/internal/farmer"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>plotfarm status</title>
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
      padding: 4px 8px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.farms th {
      background-color: #3399FF;
    }
  </style>
</head>

<body>

<h3>plotfarm</h3>

<table>
  <tr>
    <td>Free memory:</td>
    <td>{{bytes .FreeMem}} / {{bytes .TotalMem}}</td>
  </tr>
  <tr>
    <td>Started:</td>
    <td>{{.Started}}</td>
  </tr>
  <tr>
    <td>Piece cache:</td>
    <td>{{.CachedPieces}} pieces, sync {{printf "%.2f" .CacheProgress}}%</td>
  </tr>
  <tr>
    <td>Plotting started:</td>
    <td>{{.PlottingStarted}}</td>
  </tr>
</table>

<br>
<table class="status farms">
  <caption>Farms</caption>
  <tr>
    <th>Index</th>
    <th>ID</th>
    <th>Directory</th>
    <th>State</th>
    <th>Plotted</th>
    <th>Expired</th>
    <th>Last error</th>
  </tr>
  {{range .Farms}}
  <tr>
    <td>{{.Index}}</td>
    <td>{{.ID}}</td>
    <td>{{.Directory}}</td>
    <td>{{.State}}</td>
    <td>{{.PlottedSectors}} / {{.TotalSectors}}</td>
    <td>{{.ExpiredSectors}}</td>
    <td>{{if .LastError}}{{.LastError}}{{end}}</td>
  </tr>
  {{end}}
</table>

<br>
<table class="status">
  <caption>Requests</caption>
  <tr>
    <th>Request</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .Requests}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

<br>
status update time: {{.Now}}
</body>
</html>
`

// StatusSource supplies the farmer part of the status page.
type StatusSource interface {
	FarmStates() []farmer.FarmState
	PlottingStarted() bool
	CacheProgress() float32
	CachedPieces() int
}

// FarmStatus is the status of one farm, with the error as text.
type FarmStatus struct {
	farmer.FarmState
	LastError string
}

// StatusData is what the status page shows.
type StatusData struct {
	FreeMem  uint64
	TotalMem uint64

	PlottingStarted bool
	CacheProgress   float32
	CachedPieces    int
	Farms           []FarmStatus

	Requests map[string]string
	Started  time.Time
	Now      time.Time
}

func bytesSize(in uint64) string {
	return units.BytesSize(float64(in))
}

var (
	started = time.Now()

	funcMap        = template.FuncMap{"bytes": bytesSize}
	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// statusHandler sends json encoded status if the "Accept" header asks for
// it, and html otherwise.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		writeJSON(w, s.genStatus())
		return
	}

	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, s.genStatus()); err != nil {
		log.Errorf("failed to render status page: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (s *Server) genStatus() StatusData {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}
	d := StatusData{
		FreeMem:  mem.ActualFree,
		TotalMem: mem.Total,
		Requests: Stats(),
		Started:  started,
		Now:      time.Now(),
	}
	if s.status != nil {
		d.PlottingStarted = s.status.PlottingStarted()
		d.CacheProgress = s.status.CacheProgress()
		d.CachedPieces = s.status.CachedPieces()
		for _, st := range s.status.FarmStates() {
			fs := FarmStatus{FarmState: st}
			if st.LastError != nil {
				fs.LastError = st.LastError.Error()
			}
			d.Farms = append(d.Farms, fs)
		}
	}
	return d
}
