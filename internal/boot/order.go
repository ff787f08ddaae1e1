package boot

import (
	"sort"

	"github.com/ewenmoss/grimoire/internal/kernel"
	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
)

// resolveOrder topologically sorts devices by their declared dependencies so
// mounting and initialization honor the graph rather than a hand-maintained
// list. Ties break alphabetically for a deterministic boot sequence.
func resolveOrder(devs []kernel.Device) ([]kernel.Device, error) {
	byName := make(map[string]kernel.Device, len(devs))
	for _, dev := range devs {
		if _, ok := byName[dev.Name()]; ok {
			return nil, apperrors.WithMetadata(apperrors.CodeBootDeviceInit,
				"duplicate device name", map[string]string{"device": dev.Name()})
		}
		byName[dev.Name()] = dev
	}

	indegree := make(map[string]int, len(devs))
	dependents := make(map[string][]string, len(devs))
	for _, dev := range devs {
		name := dev.Name()
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range dev.DependsOn() {
			if _, ok := byName[dep]; !ok {
				return nil, apperrors.WithMetadata(apperrors.CodeBootDeviceInit,
					"device depends on an unregistered device",
					map[string]string{"device": name, "dependency": dep})
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]kernel.Device, 0, len(devs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])

		next := dependents[name]
		sort.Strings(next)
		for _, dependent := range next {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
	}

	if len(ordered) != len(devs) {
		return nil, apperrors.New(apperrors.CodeBootDeviceInit,
			"device dependency cycle detected")
	}
	return ordered, nil
}
