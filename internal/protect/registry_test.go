package protect

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zorak1103/nest-protect/internal/nest"
	"github.com/zorak1103/nest-protect/internal/nest/nesttest"
)

func TestRegistry_Apply(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	changed := r.Apply([]nest.Bucket{
		nest.NewBucket("topaz.A", 1, 10, map[string]any{"smoke_status": float64(0), "description": "Hall"}),
		nest.NewBucket("kryptonite.K", 1, 10, map[string]any{"current_temperature": 20.5}),
		nest.NewBucket("structure.S", 1, 10, map[string]any{"name": "Home"}),
		nesttest.WhereBucket("S", 1, "w1", "Kitchen", "w2", "Hallway"),
	})

	var keys []string
	for _, b := range changed {
		keys = append(keys, b.ObjectKey)
	}
	if diff := cmp.Diff([]string{"topaz.A", "kryptonite.K"}, keys); diff != "" {
		t.Errorf("changed keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"w1": "Kitchen", "w2": "Hallway"}, r.Areas()); diff != "" {
		t.Errorf("Areas() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := r.Device("structure.S"); ok {
		t.Error("structure bucket stored as a device")
	}

	// Overlay keeps untouched keys and replaces metadata.
	r.Apply([]nest.Bucket{nest.NewBucket("topaz.A", 2, 20, map[string]any{"smoke_status": float64(2)})})
	got, ok := r.Device("topaz.A")
	if !ok {
		t.Fatal("Device(topaz.A) not found")
	}
	want := nest.NewBucket("topaz.A", 2, 20, map[string]any{"smoke_status": float64(2), "description": "Hall"})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Device() mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_ApplyIdempotent(t *testing.T) {
	t.Parallel()

	update := []nest.Bucket{nest.NewBucket("topaz.A", 3, 30, map[string]any{"co_status": float64(1)})}

	once := NewRegistry()
	once.Apply(update)
	twice := NewRegistry()
	twice.Apply(update)
	twice.Apply(update)

	if diff := cmp.Diff(once.Devices(), twice.Devices()); diff != "" {
		t.Errorf("applying twice differs from once (-once +twice):\n%s", diff)
	}
	if changed := once.Apply(nil); len(changed) != 0 {
		t.Errorf("Apply(nil) changed %d devices", len(changed))
	}
}

func TestRegistry_NoSharedMaps(t *testing.T) {
	t.Parallel()

	value := map[string]any{"smoke_status": float64(0)}
	r := NewRegistry()
	r.Apply([]nest.Bucket{nest.NewBucket("topaz.A", 1, 1, value)})

	value["smoke_status"] = float64(2)
	got, _ := r.Device("topaz.A")
	got.Value["co_status"] = float64(3)

	again, _ := r.Device("topaz.A")
	if diff := cmp.Diff(map[string]any{"smoke_status": float64(0)}, again.Value); diff != "" {
		t.Errorf("registry value leaked a live map (-want +got):\n%s", diff)
	}
}

func TestOverlayBaseline(t *testing.T) {
	t.Parallel()

	a1 := nest.NewBucket("topaz.A", 1, 1, nil)
	b1 := nest.NewBucket("where.B", 1, 1, nil)
	a2 := nest.NewBucket("topaz.A", 2, 2, nil)
	c1 := nest.NewBucket("kryptonite.C", 1, 1, nil)

	tests := []struct {
		name    string
		prev    []nest.Bucket
		updates []nest.Bucket
		want    []nest.Bucket
	}{
		{name: "empty updates", prev: []nest.Bucket{a1, b1}, updates: nil, want: []nest.Bucket{a1, b1}},
		{name: "replace in place", prev: []nest.Bucket{a1, b1}, updates: []nest.Bucket{a2}, want: []nest.Bucket{a2, b1}},
		{name: "append new key", prev: []nest.Bucket{a1}, updates: []nest.Bucket{c1}, want: []nest.Bucket{a1, c1}},
		{name: "empty baseline", prev: nil, updates: []nest.Bucket{a1, c1}, want: []nest.Bucket{a1, c1}},
		{name: "duplicate updates keep last", prev: nil, updates: []nest.Bucket{a1, a2}, want: []nest.Bucket{a2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			prevCopy := append([]nest.Bucket(nil), tt.prev...)
			got := OverlayBaseline(tt.prev, tt.updates)

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("OverlayBaseline() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(prevCopy, tt.prev); diff != "" {
				t.Errorf("OverlayBaseline() modified prev (-want +got):\n%s", diff)
			}
		})
	}
}
