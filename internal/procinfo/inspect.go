package procinfo

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Record is a point-in-time snapshot of one process.
type Record struct {
	PID           int
	Name          string
	StartTime     int64
	Crashing      bool
	NotResponding bool
}

// Inspector snapshots live process state. ok is false when the process
// does not exist.
type Inspector interface {
	Inspect(pid int) (rec Record, ok bool)
}

// SystemInspector reads process state through gopsutil.
type SystemInspector struct{}

func (SystemInspector) Inspect(pid int) (Record, bool) {
	if pid <= 0 {
		return Record{}, false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Record{}, false
	}
	rec := Record{PID: pid, StartTime: startUnix(pid)}
	if name, err := p.Name(); err == nil {
		rec.Name = name
	}
	states, err := p.Status()
	if err != nil {
		// vanished between lookup and status read
		return Record{}, false
	}
	classify(&rec, states)
	return rec, true
}

// classify maps gopsutil states onto the diagnosis flags. A zombie has
// exited but is not reaped yet; it is reported as crashing.
func classify(rec *Record, states []string) {
	for _, s := range states {
		switch s {
		case gopsproc.Zombie:
			rec.Crashing = true
		case gopsproc.Stop, gopsproc.Blocked:
			rec.NotResponding = true
		}
	}
}
