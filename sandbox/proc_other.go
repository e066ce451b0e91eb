//go:build !linux

package sandbox

import "github.com/isdmx/execbox/monitor"

func sampleProcess(_ int) (monitor.ResourceUsage, error) {
	return monitor.ResourceUsage{}, errSamplingUnsupported
}
