package worker

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
)

// DefaultRunnerID identifies this worker process as <hostname>-<pid>
func DefaultRunnerID() string {
	hostname := ""
	if info, err := host.Info(); err == nil {
		hostname = info.Hostname
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// DefaultPlatform returns the platform name jobs use for this host
// (linux, mac, win, ...)
func DefaultPlatform() string {
	osName := runtime.GOOS
	if info, err := host.Info(); err == nil && info.OS != "" {
		osName = info.OS
	}
	return PlatformName(osName)
}

// PlatformName maps an operating system name to its job platform name
func PlatformName(osName string) string {
	switch osName {
	case "darwin":
		return "mac"
	case "windows":
		return "win"
	}
	return osName
}
