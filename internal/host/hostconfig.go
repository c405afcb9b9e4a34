package host

import (
	"os"
	"runtime"
	"strings"
	"sync"

	"tork-perf/internal/logging"

	"github.com/sirupsen/logrus"
)

// Info describes the machine the controller runs on. It is tagged onto
// exported run metadata.
type Info struct {
	Hostname      string
	OSInfo        string
	KernelVersion string
	CPUModel      string
	CPUThreads    int
}

var (
	localInfo     *Info
	localInfoOnce sync.Once
)

// GetLocalInfo returns the local host description, collected on first call.
func GetLocalInfo() *Info {
	localInfoOnce.Do(func() {
		localInfo = collectLocalInfo()
		logging.GetLogger().WithFields(logrus.Fields{
			"hostname": localInfo.Hostname,
			"kernel":   localInfo.KernelVersion,
			"cpu":      localInfo.CPUModel,
		}).Debug("Local host information collected")
	})
	return localInfo
}

func collectLocalInfo() *Info {
	info := &Info{
		OSInfo:     runtime.GOOS + "/" + runtime.GOARCH,
		CPUThreads: runtime.NumCPU(),
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info.Hostname = hostname

	if data, err := os.ReadFile("/proc/version"); err == nil {
		version := strings.Fields(string(data))
		if len(version) >= 3 {
			info.KernelVersion = version[2]
		}
	}
	if info.KernelVersion == "" {
		info.KernelVersion = "unknown"
	}

	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") {
				parts := strings.SplitN(line, ":", 2)
				if len(parts) == 2 {
					info.CPUModel = strings.TrimSpace(parts[1])
					break
				}
			}
		}
	}
	if info.CPUModel == "" {
		info.CPUModel = "unknown"
	}
	return info
}
