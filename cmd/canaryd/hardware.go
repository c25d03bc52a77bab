package main

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"canaryd/internal/netsup"
	"canaryd/internal/preview"
	"canaryd/internal/sysinfo"
)

// Host adapters for running canaryd on a stock Linux box. The appliance
// build swaps these for the real modem, camera and BLE drivers.

// hostTempC reads the die temperature from the kernel thermal zone,
// reported in millidegrees.
func hostTempC() (float64, error) {
	raw, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0, err
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, err
	}
	return float64(milli) / 1000, nil
}

// hostMem maps the Go allocator onto the appliance memory pools. There is
// no PSRAM or sketch partition on a host build.
func hostMem() (sysinfo.Memory, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var m sysinfo.Memory
	m.Heap.Total = ms.Sys
	m.Heap.Free = ms.Sys - ms.HeapAlloc
	m.Heap.MinFree = ms.Sys - ms.HeapSys
	return m, nil
}

func hostDev() (sysinfo.Device, error) {
	model := "linux-host"
	if raw, err := os.ReadFile("/proc/device-tree/model"); err == nil {
		model = strings.TrimRight(string(raw), "\x00\n")
	}
	return sysinfo.Device{
		Model:       model,
		Cores:       runtime.NumCPU(),
		MAC:         primaryMAC(),
		ResetReason: "poweron",
	}, nil
}

func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		return ifc.HardwareAddr.String()
	}
	return ""
}

// hostWifi satisfies the supervisor on builds without a modem. The host's
// own network carries the traffic, so "connect" just settles the state
// machine.
type hostWifi struct{}

func (hostWifi) Scan(ctx context.Context) ([]netsup.Network, error) {
	return nil, nil
}

func (hostWifi) Connect(ctx context.Context, ssid, psk string) error {
	select {
	case <-time.After(50 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (hostWifi) Disconnect() error   { return nil }
func (hostWifi) RSSI() (int8, error) { return -50, nil }

// noCamera reports an absent sensor; the peek endpoints answer 503.
type noCamera struct{}

var errNoCamera = errors.New("camera not attached")

func (noCamera) Capture() ([]byte, error)               { return nil, errNoCamera }
func (noCamera) SetResolution(preview.Resolution) error { return nil }
func (noCamera) Ready() bool                            { return false }

// noBLE accepts every controller call so the pairing state machine can be
// exercised without a radio.
type noBLE struct{}

func (noBLE) StartAdvertising(name string, txPower int8) error { return nil }
func (noBLE) StopAdvertising() error                           { return nil }
func (noBLE) Disconnect() error                                { return nil }

// machineBinding ties the identity file to this installation.
func machineBinding() []byte {
	if raw, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return []byte(id)
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "canary"
	}
	return []byte(host)
}
