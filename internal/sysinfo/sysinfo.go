// Package sysinfo collects local system information: build version,
// uptime, available shells and local IPv4 addresses. No other package in
// this module imports it.
package sysinfo

import (
	"net"
	"os/exec"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the agent version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/toss/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	startTime     time.Time
	startTimeOnce sync.Once

	cachedShells []string
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})

	if Version == "dev" {
		Version = enhanceDevVersion()
	}

	cachedShells = detectShells()
}

// enhanceDevVersion adds git commit info to dev version using Go's build info.
// Returns formats like: "dev-a1b2c3d", "dev-a1b2c3d-dirty", or "dev-<timestamp>" as fallback.
func enhanceDevVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev-" + startTime.UTC().Format("20060102-150405")
	}

	var revision string
	var dirty bool

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}

	if revision == "" {
		return "dev-" + startTime.UTC().Format("20060102-150405")
	}

	if len(revision) > 7 {
		revision = revision[:7]
	}

	if dirty {
		return "dev-" + revision + "-dirty"
	}
	return "dev-" + revision
}

// detectShells probes the system for known shells using exec.LookPath.
func detectShells() []string {
	var candidates []string
	if runtime.GOOS == "windows" {
		candidates = []string{"powershell.exe", "pwsh.exe", "cmd.exe"}
	} else {
		candidates = []string{"bash", "sh", "zsh", "fish", "ash", "dash", "ksh"}
	}

	var found []string
	for _, shell := range candidates {
		if _, err := exec.LookPath(shell); err == nil {
			found = append(found, shell)
		}
	}
	return found
}

// DetectShells returns the list of available shells on the system.
func DetectShells() []string {
	return cachedShells
}

// GetLocalIPs returns up to ten non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > 10 {
		ips = ips[:10]
	}

	return ips
}

// StartTime returns the agent start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the agent uptime as a duration.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the agent uptime in seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}
