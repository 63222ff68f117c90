package dedup

import (
	"fmt"
	"testing"

	"github.com/linnemanlabs/roadwatch/internal/geo"
	"github.com/linnemanlabs/roadwatch/internal/incident"
)

func TestClusterKey(t *testing.T) {
	t.Parallel()

	a := &incident.Location{Lat: 6.92710, Lon: 79.86120}
	b := &incident.Location{Lat: 6.92711, Lon: 79.86121}
	far := &incident.Location{Lat: 6.93710, Lon: 79.86120}

	if ClusterKey(a, "cam-1", 50) != ClusterKey(b, "cam-2", 50) {
		t.Error("points ~1m apart landed in different cells")
	}
	if ClusterKey(a, "cam-1", 50) == ClusterKey(far, "cam-1", 50) {
		t.Error("points ~1km apart landed in the same cell")
	}
	if got := ClusterKey(nil, "cam-9", 50); got != "src:cam-9" {
		t.Errorf("ClusterKey(nil) = %q, want %q", got, "src:cam-9")
	}
}

func TestClusterKey_Deterministic(t *testing.T) {
	t.Parallel()

	loc := &incident.Location{Lat: -33.8688, Lon: 151.2093}
	first := ClusterKey(loc, "x", 25)
	for range 10 {
		if got := ClusterKey(loc, "x", 25); got != first {
			t.Fatalf("ClusterKey changed: %q != %q", got, first)
		}
	}
}

// Cells stay roughly square on the ground at high latitude.
func TestClusterKey_CellWidthAtLatitude(t *testing.T) {
	t.Parallel()

	const cell = 100.0
	base := incident.Location{Lat: 60.0005, Lon: 10.0}
	key := ClusterKey(&base, "", cell)

	// walk east until the key changes; the distance covered is at most one cell
	step := 0.00001
	var crossed *incident.Location
	for i := 1; i < 100000; i++ {
		p := incident.Location{Lat: base.Lat, Lon: base.Lon + float64(i)*step}
		if ClusterKey(&p, "", cell) != key {
			crossed = &p
			break
		}
	}
	if crossed == nil {
		t.Fatal("never left the starting cell")
	}
	d := geo.Haversine(base.Lat, base.Lon, crossed.Lat, crossed.Lon)
	if d > cell*1.05 {
		t.Errorf("crossed cell after %.1fm, want <= %.1fm", d, cell)
	}
}

func ExampleClusterKey() {
	fmt.Println(ClusterKey(nil, "cam-3", 50))
	// Output: src:cam-3
}
