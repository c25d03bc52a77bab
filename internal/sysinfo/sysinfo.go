// Package sysinfo assembles the hardware snapshot served at /api/system:
// chip temperature with running extremes, memory pools, device identity,
// and data-partition storage. Providers are injectable so tests and
// non-appliance builds can run without the hardware.
package sysinfo

import (
	"sync"

	"golang.org/x/sys/unix"

	"canaryd/internal/errcode"
)

// Temperature alert thresholds, in degrees Celsius on the die.
const (
	tempWarnC     = 70.0
	tempCriticalC = 80.0

	// emaAlpha smooths the running average.
	emaAlpha = 0.1
)

// TempState classifies the current reading.
type TempState string

const (
	TempNormal   TempState = "normal"
	TempWarn     TempState = "warn"
	TempCritical TempState = "critical"
)

// Temperature is the die temperature summary.
type Temperature struct {
	Celsius struct {
		Current float64 `json:"current"`
		Min     float64 `json:"min"`
		Max     float64 `json:"max"`
		Avg     float64 `json:"avg"`
	} `json:"celsius"`
	Fahrenheit struct {
		Current float64 `json:"current"`
	} `json:"fahrenheit"`
	State TempState `json:"state"`
}

// Memory reports the allocator pools.
type Memory struct {
	Heap struct {
		Total   uint64 `json:"total"`
		Free    uint64 `json:"free"`
		MinFree uint64 `json:"min_free"`
	} `json:"heap"`
	PSRAM struct {
		Available bool   `json:"available"`
		Total     uint64 `json:"total"`
		Free      uint64 `json:"free"`
	} `json:"psram"`
	Sketch struct {
		Used  uint64 `json:"used"`
		Total uint64 `json:"total"`
	} `json:"sketch"`
}

// Device identifies the hardware.
type Device struct {
	Model       string `json:"model"`
	Revision    int    `json:"revision"`
	Cores       int    `json:"cores"`
	FreqMHz     int    `json:"freq_mhz"`
	FlashSize   uint64 `json:"flash_size"`
	MAC         string `json:"mac"`
	ResetReason string `json:"reset_reason"`
}

// Storage is the data partition usage.
type Storage struct {
	Mounted    bool   `json:"mounted"`
	FreeBytes  uint64 `json:"free_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
}

// Snapshot is the full /api/system payload.
type Snapshot struct {
	Temperature Temperature `json:"temperature"`
	Memory      Memory      `json:"memory"`
	Device      Device      `json:"device"`
	Storage     Storage     `json:"storage"`
}

// Providers feed the monitor. Any nil provider leaves its section zeroed.
type Providers struct {
	// TempC reads the current die temperature.
	TempC func() (float64, error)
	// Mem reads the memory pools.
	Mem func() (Memory, error)
	// Dev reads static device identity once.
	Dev func() (Device, error)
}

// Monitor tracks running temperature extremes over the providers.
type Monitor struct {
	mu sync.Mutex

	providers Providers
	dataDir   string

	device  Device
	haveDev bool

	tempMin, tempMax, tempAvg float64
	tempReadings              uint64
}

// New builds a monitor over the given providers; dataDir is the mount the
// storage section reports on.
func New(p Providers, dataDir string) *Monitor {
	return &Monitor{
		providers: p,
		dataDir:   dataDir,
		tempMin:   999,
		tempMax:   -999,
	}
}

// Sample takes a temperature reading, updating the extremes. Call it on
// the supervisor cadence.
func (m *Monitor) Sample() error {
	if m.providers.TempC == nil {
		return nil
	}
	c, err := m.providers.TempC()
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "temperature read")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c < m.tempMin {
		m.tempMin = c
	}
	if c > m.tempMax {
		m.tempMax = c
	}
	if m.tempReadings == 0 {
		m.tempAvg = c
	} else {
		m.tempAvg = emaAlpha*c + (1-emaAlpha)*m.tempAvg
	}
	m.tempReadings++
	return nil
}

// Snapshot assembles the full system view.
func (m *Monitor) Snapshot() Snapshot {
	var s Snapshot
	s.Temperature = m.temperature()
	if m.providers.Mem != nil {
		if mem, err := m.providers.Mem(); err == nil {
			s.Memory = mem
		}
	}
	s.Device = m.deviceInfo()
	s.Storage = m.storage()
	return s
}

func (m *Monitor) temperature() Temperature {
	var t Temperature
	if m.providers.TempC == nil {
		t.State = TempNormal
		return t
	}
	current, err := m.providers.TempC()
	if err != nil {
		t.State = TempNormal
		return t
	}

	m.mu.Lock()
	minC, maxC, avg := m.tempMin, m.tempMax, m.tempAvg
	readings := m.tempReadings
	m.mu.Unlock()

	t.Celsius.Current = current
	if readings > 0 {
		t.Celsius.Min = minC
		t.Celsius.Max = maxC
		t.Celsius.Avg = avg
	} else {
		t.Celsius.Min = current
		t.Celsius.Max = current
		t.Celsius.Avg = current
	}
	t.Fahrenheit.Current = current*9/5 + 32

	switch {
	case current >= tempCriticalC:
		t.State = TempCritical
	case current >= tempWarnC:
		t.State = TempWarn
	default:
		t.State = TempNormal
	}
	return t
}

func (m *Monitor) deviceInfo() Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.haveDev {
		return m.device
	}
	if m.providers.Dev == nil {
		return Device{}
	}
	dev, err := m.providers.Dev()
	if err != nil {
		return Device{}
	}
	m.device = dev
	m.haveDev = true
	return dev
}

// storage reads the data partition with Statfs. An unmounted or missing
// partition reports mounted=false rather than failing the snapshot.
func (m *Monitor) storage() Storage {
	var st Storage
	var fs unix.Statfs_t
	if err := unix.Statfs(m.dataDir, &fs); err != nil {
		return st
	}
	bsize := uint64(fs.Bsize)
	st.Mounted = true
	st.TotalBytes = fs.Blocks * bsize
	st.FreeBytes = fs.Bavail * bsize
	st.UsedBytes = st.TotalBytes - fs.Bfree*bsize
	return st
}
