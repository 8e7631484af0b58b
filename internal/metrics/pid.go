package metrics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// PIDSample is a point-in-time resource reading of one process.
type PIDSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SamplePID reads CPU and memory usage of pid. Only the memory reading is
// required; the other fields stay zero when they cannot be read.
func SamplePID(pid int32) (PIDSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return PIDSample{}, fmt.Errorf("pid %d: %w", pid, err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return PIDSample{}, fmt.Errorf("pid %d memory: %w", pid, err)
	}
	s := PIDSample{PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: time.Now()}
	if s.CPUPercent, err = proc.CPUPercent(); err != nil {
		slog.Debug("cpu percent unavailable", "pid", pid, "err", err)
	}
	s.NumThreads, _ = proc.NumThreads()
	s.NumFDs, _ = proc.NumFDs()
	return s, nil
}

// PidSource lists the processes of every unit that has some.
type PidSource func() map[string][]int

var (
	rssDesc     = prometheus.NewDesc("unitd_unit_memory_rss_bytes", "Resident memory of the unit's processes.", []string{"unit"}, nil)
	cpuDesc     = prometheus.NewDesc("unitd_unit_cpu_percent", "CPU usage of the unit's processes since they started.", []string{"unit"}, nil)
	threadsDesc = prometheus.NewDesc("unitd_unit_threads", "Threads of the unit's processes.", []string{"unit"}, nil)
	fdsDesc     = prometheus.NewDesc("unitd_unit_open_fds", "Open file descriptors of the unit's processes.", []string{"unit"}, nil)
)

// ProcessCollector samples unit processes at scrape time.
type ProcessCollector struct {
	src PidSource
}

func NewProcessCollector(src PidSource) *ProcessCollector { return &ProcessCollector{src: src} }

func (c *ProcessCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- rssDesc
	ch <- cpuDesc
	ch <- threadsDesc
	ch <- fdsDesc
}

func (c *ProcessCollector) Collect(ch chan<- prometheus.Metric) {
	for unit, pids := range c.src() {
		var sum PIDSample
		n := 0
		for _, pid := range pids {
			s, err := SamplePID(int32(pid))
			if err != nil {
				continue
			}
			n++
			sum.MemoryRSS += s.MemoryRSS
			sum.CPUPercent += s.CPUPercent
			sum.NumThreads += s.NumThreads
			sum.NumFDs += s.NumFDs
		}
		if n == 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(rssDesc, prometheus.GaugeValue, float64(sum.MemoryRSS), unit)
		ch <- prometheus.MustNewConstMetric(cpuDesc, prometheus.GaugeValue, sum.CPUPercent, unit)
		ch <- prometheus.MustNewConstMetric(threadsDesc, prometheus.GaugeValue, float64(sum.NumThreads), unit)
		ch <- prometheus.MustNewConstMetric(fdsDesc, prometheus.GaugeValue, float64(sum.NumFDs), unit)
	}
}
