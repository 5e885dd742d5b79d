// Package agent is the producer side: it samples the local machine and
// publishes status reports and online/offline announcements.
package agent

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

// interfacePrefixes are the interface names considered primary, in order.
var interfacePrefixes = []string{"eth", "en", "wlan", "wlp", "wls"}

// cpuReading holds cumulative jiffies from the aggregate line of /proc/stat:
//
//	cpu  user nice system idle iowait irq softirq steal [guest guest_nice]
//
// guest time is already counted in user and nice.
type cpuReading struct {
	busy uint64
	idle uint64
}

func parseCPUStat(r io.Reader) (cpuReading, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		return cpuReading{}, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return cpuReading{}, fmt.Errorf("unexpected /proc/stat line %q", sc.Text())
	}
	v := make([]uint64, 8)
	for i := range v {
		n, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return cpuReading{}, fmt.Errorf("/proc/stat field %d: %w", i+1, err)
		}
		v[i] = n
	}
	return cpuReading{
		busy: v[0] + v[1] + v[2] + v[5] + v[6] + v[7],
		idle: v[3] + v[4],
	}, nil
}

// cpuPercent is the busy share between two readings, 0 when no time passed
// or the counters went backwards.
func cpuPercent(prev, cur cpuReading) float64 {
	if cur.busy < prev.busy || cur.idle < prev.idle {
		return 0
	}
	busy := cur.busy - prev.busy
	total := busy + cur.idle - prev.idle
	if total == 0 {
		return 0
	}
	return float64(busy) / float64(total) * 100
}

// parseCPUInfo returns the first model name and the number of processors.
func parseCPUInfo(r io.Reader) (model string, cores int) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "processor":
			cores++
		case "model name":
			if model == "" {
				model = strings.TrimSpace(val)
			}
		}
	}
	return model, cores
}

// parseMemInfo returns MemTotal and MemAvailable in bytes.
func parseMemInfo(r io.Reader) (total, available uint64, err error) {
	sc := bufio.NewScanner(r)
	var seenTotal, seenAvail bool
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		var dst *uint64
		switch fields[0] {
		case "MemTotal:":
			dst, seenTotal = &total, true
		case "MemAvailable:":
			dst, seenAvail = &available, true
		default:
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("meminfo %s: %w", fields[0], err)
		}
		*dst = kb * 1024
	}
	if !seenTotal || !seenAvail {
		return 0, 0, fmt.Errorf("meminfo lacks MemTotal or MemAvailable")
	}
	return total, available, sc.Err()
}

func usage(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}

// Probe samples the local machine. CPU usage is measured between
// consecutive calls to Sample, so the first sample reports the average
// since boot.
type Probe struct {
	ProcDir  string
	DiskPath string

	mu      sync.Mutex
	prevCPU cpuReading
}

func NewProbe() *Probe {
	return &Probe{ProcDir: "/proc", DiskPath: "/"}
}

// Sample collects a report for id. Sources that cannot be read leave their
// fields zero; only a missing hostname is an error.
func (p *Probe) Sample(id string) (models.StatusReport, error) {
	host, err := os.Hostname()
	if err != nil {
		return models.StatusReport{}, fmt.Errorf("hostname: %w", err)
	}
	rep := models.StatusReport{
		MachineID:      id,
		Hostname:       host,
		IPAddress:      primaryIP(),
		DeclaredStatus: models.Online,
	}

	rep.CPU.Model, rep.CPU.Cores = "Unknown CPU", runtime.NumCPU()
	if f, err := os.Open(filepath.Join(p.ProcDir, "cpuinfo")); err == nil {
		model, cores := parseCPUInfo(f)
		f.Close()
		if model != "" {
			rep.CPU.Model = model
		}
		if cores > 0 {
			rep.CPU.Cores = cores
		}
	}
	if f, err := os.Open(filepath.Join(p.ProcDir, "stat")); err == nil {
		cur, err := parseCPUStat(f)
		f.Close()
		if err == nil {
			p.mu.Lock()
			rep.CPU.UsagePercent = cpuPercent(p.prevCPU, cur)
			p.prevCPU = cur
			p.mu.Unlock()
		}
	}

	if f, err := os.Open(filepath.Join(p.ProcDir, "meminfo")); err == nil {
		total, avail, err := parseMemInfo(f)
		f.Close()
		if err == nil {
			rep.Memory = models.Memory{Total: total, Available: avail, UsagePercent: usage(total-min(avail, total), total)}
		}
	}

	var st syscall.Statfs_t
	if err := syscall.Statfs(p.DiskPath, &st); err == nil {
		bsize := uint64(st.Bsize)
		total, free := st.Blocks*bsize, st.Bavail*bsize
		used := (st.Blocks - st.Bfree) * bsize
		// Match df: usage against the space visible to unprivileged users.
		rep.Storage = models.Storage{Total: total, Free: free, UsagePercent: usage(used, used+free)}
	}
	return rep, nil
}

// primaryIP returns the IPv4 address of the first primary-looking interface,
// falling back to any non-loopback IPv4 address.
func primaryIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	var fallback string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLoopback() {
				continue
			}
			if isPrimary(iface.Name) {
				return ipnet.IP.String()
			}
			if fallback == "" {
				fallback = ipnet.IP.String()
			}
		}
	}
	return fallback
}

func isPrimary(name string) bool {
	for _, p := range interfacePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
