package scheduler

import "time"

// MonitorStatus 是调度器的运行概况，供 /api/monitor/status 使用。
type MonitorStatus struct {
	Running        bool       `json:"running"`
	Started        bool       `json:"started"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Ticks          int64      `json:"ticks"`
	Processed      int64      `json:"processed"`
	Delivered      int64      `json:"delivered"`
	Errors         int64      `json:"errors"`
	LastRunnable   int        `json:"last_runnable"`
	LastDispatched int        `json:"last_dispatched"`
	InFlight       int        `json:"in_flight"`
}

func (d *Dispatcher) Status() MonitorStatus {
	d.mu.RLock()
	st := d.status
	d.mu.RUnlock()
	if st.LastRunAt != nil {
		at := *st.LastRunAt
		st.LastRunAt = &at
	}
	st.InFlight = d.leases.Held()
	return st
}

func (d *Dispatcher) markRunning(running bool) {
	d.mu.Lock()
	d.status.Running = running
	d.mu.Unlock()
}

func (d *Dispatcher) markStarted(started bool) {
	d.mu.Lock()
	d.status.Started = started
	d.mu.Unlock()
}

func (d *Dispatcher) recordTick(r TickReport, err error) {
	at := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.Ticks++
	d.status.LastRunAt = &at
	d.status.Processed += int64(r.Dispatched)
	d.status.Delivered += int64(r.Delivered)
	d.status.Errors += int64(r.Errors)
	d.status.LastRunnable = r.Runnable
	d.status.LastDispatched = r.Dispatched
	d.status.LastError = ""
	if err != nil {
		d.status.Errors++
		d.status.LastError = err.Error()
	}
}
