package boot

import (
	"testing"

	"github.com/ewenmoss/grimoire/internal/kernel"
	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
)

type stubDevice struct {
	name string
	deps []string
}

func (d *stubDevice) Name() string             { return d.name }
func (d *stubDevice) DependsOn() []string      { return d.deps }
func (d *stubDevice) OnMount(k *kernel.Kernel) {}

func stub(name string, deps ...string) kernel.Device {
	return &stubDevice{name: name, deps: deps}
}

func orderOf(devs []kernel.Device) []string {
	names := make([]string, len(devs))
	for i, dev := range devs {
		names[i] = dev.Name()
	}
	return names
}

func indexOf(names []string, want string) int {
	for i, name := range names {
		if name == want {
			return i
		}
	}
	return -1
}

func TestResolveOrderApplicationDevices(t *testing.T) {
	devs := []kernel.Device{
		stub("bonus", "ability", "combat"),
		stub("condition", "ability"),
		stub("skill", "ability"),
		stub("combat", "ability"),
		stub("ability", "store"),
		stub("store"),
	}

	ordered, err := resolveOrder(devs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	names := orderOf(ordered)

	pairs := [][2]string{
		{"store", "ability"},
		{"ability", "skill"},
		{"ability", "combat"},
		{"ability", "condition"},
		{"ability", "bonus"},
		{"combat", "bonus"},
	}
	for _, pair := range pairs {
		if indexOf(names, pair[0]) >= indexOf(names, pair[1]) {
			t.Fatalf("expected %s before %s in %v", pair[0], pair[1], names)
		}
	}
}

func TestResolveOrderDeterministic(t *testing.T) {
	build := func() []kernel.Device {
		return []kernel.Device{
			stub("c", "a"), stub("b", "a"), stub("a"), stub("d", "a"),
		}
	}
	first, err := resolveOrder(build())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := resolveOrder(build())
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		for j := range first {
			if first[j].Name() != again[j].Name() {
				t.Fatalf("order changed between runs: %v vs %v", orderOf(first), orderOf(again))
			}
		}
	}
	if got := orderOf(first); got[0] != "a" || got[1] != "b" || got[2] != "c" || got[3] != "d" {
		t.Fatalf("expected alphabetical tie-break, got %v", got)
	}
}

func TestResolveOrderErrors(t *testing.T) {
	tests := []struct {
		name string
		devs []kernel.Device
	}{
		{
			name: "duplicate device name",
			devs: []kernel.Device{stub("store"), stub("store")},
		},
		{
			name: "unregistered dependency",
			devs: []kernel.Device{stub("ability", "store")},
		},
		{
			name: "dependency cycle",
			devs: []kernel.Device{stub("a", "b"), stub("b", "c"), stub("c", "a")},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := resolveOrder(tc.devs); !apperrors.IsCode(err, apperrors.CodeBootDeviceInit) {
				t.Fatalf("expected device-init error, got %v", err)
			}
		})
	}
}
