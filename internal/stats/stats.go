package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	FramesReceived       = "FramesReceived"
	FramesSent           = "FramesSent"
	Reconnects           = "Reconnects"
	ActiveSubscriptions  = "ActiveSubscriptions"
	NotificationsDropped = "NotificationsDropped"
	NotificationsStored  = "NotificationsStored"
	UnreadNotifications  = "UnreadNotifications"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Set(name string, value int)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
	set   bool
}

var publishOnce sync.Once

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater and serves its metrics on
// GET /debug/vars. The first updater created is also published to the
// process-wide expvar registry.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 512),
	}
	if mux != nil {
		mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	}
	publishOnce.Do(func() {
		expvar.Publish("gochat-realtime", su.vars)
	})
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric, ok := su.vars.Get(req.name).(*expvar.Int)
		if !ok {
			panic("metric not found: " + req.name)
		}

		if req.set {
			metric.Set(int64(req.value))
		} else {
			metric.Add(int64(req.value))
		}
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

// Set overwrites a gauge such as UnreadNotifications.
func (su *StatsUpdater) Set(name string, value int) {
	su.updateChan <- &metricsUpdateReq{name: name, value: value, set: true}
}

// RegisterMetric creates name if it does not exist yet. Several components
// may register the same metric.
func (su *StatsUpdater) RegisterMetric(name string) {
	if su.vars.Get(name) != nil {
		return
	}
	su.vars.Set(name, new(expvar.Int))
}

// Value returns the current value of an integer metric.
func (su *StatsUpdater) Value(name string) (int64, bool) {
	metric, ok := su.vars.Get(name).(*expvar.Int)
	if !ok {
		return 0, false
	}
	return metric.Value(), true
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.updateChan)
	})
}
