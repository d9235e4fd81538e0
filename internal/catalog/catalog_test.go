package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/storage"
)

func seed(t *testing.T, st storage.Store, city, district, ptype, size string, cents int64, available bool) int64 {
	t.Helper()
	id, err := st.AddProduct(context.Background(), storage.Product{
		City:        city,
		District:    district,
		ProductType: ptype,
		Size:        size,
		Price:       money.FromCents(cents),
		Available:   available,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSnapshotTree(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	seed(t, st, "Berlin", "Mitte", "widget", "small", 1000, true)
	seed(t, st, "Berlin", "Mitte", "widget", "small", 1000, true)
	seed(t, st, "Berlin", "Mitte", "widget", "large", 2500, true)
	seed(t, st, "Berlin", "Wedding", "gadget", "one", 500, true)
	seed(t, st, "Hamburg", "Altona", "widget", "small", 1100, true)
	seed(t, st, "Munich", "Schwabing", "widget", "small", 900, false) // hidden

	svc, err := NewService(ctx, st, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	snap := svc.Current()

	cities := snap.Cities()
	if len(cities) != 2 || cities[0] != "Berlin" || cities[1] != "Hamburg" {
		t.Fatalf("cities = %v", cities)
	}
	districts := snap.Districts("Berlin")
	if len(districts) != 2 || districts[0] != "Mitte" || districts[1] != "Wedding" {
		t.Fatalf("districts = %v", districts)
	}

	types := snap.Types("Berlin", "Mitte")
	if len(types) != 1 || types[0].ProductType != "widget" {
		t.Fatalf("types = %+v", types)
	}
	if len(types[0].Variants) != 2 {
		t.Fatalf("variants = %+v", types[0].Variants)
	}
	small := types[0].Variants[1]
	if small.Size != "small" || small.FreeCount != 2 || small.Price.Cents() != 1000 {
		t.Errorf("small variant = %+v", small)
	}
}

func TestUnitForSkipsReserved(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	id := seed(t, st, "Berlin", "Mitte", "widget", "small", 1000, true)
	if _, err := st.EnsureUser(ctx, 1, "en"); err != nil {
		t.Fatal(err)
	}
	if outcome, err := st.ReserveProduct(ctx, 1, id, time.Now()); err != nil || outcome != storage.ReserveOK {
		t.Fatalf("reserve: %v %v", outcome, err)
	}

	svc, err := NewService(ctx, st, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := svc.Current().UnitFor("Berlin", "Mitte", "widget", "small"); ok {
		t.Error("reserved unit offered as free")
	}

	// Release and rebuild: unit reappears.
	if _, err := st.ReleaseProduct(ctx, 1, id); err != nil {
		t.Fatal(err)
	}
	if err := svc.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	got, ok := svc.Current().UnitFor("Berlin", "Mitte", "widget", "small")
	if !ok || got != id {
		t.Errorf("UnitFor = %d %v, want %d true", got, ok, id)
	}
}

func TestRebuildSwapIsAtomic(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	seed(t, st, "Berlin", "Mitte", "widget", "small", 1000, true)

	svc, err := NewService(ctx, st, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	before := svc.Current()

	seed(t, st, "Hamburg", "Altona", "widget", "small", 1100, true)
	if err := svc.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	// Old snapshot is untouched; new one sees the addition.
	if len(before.Cities()) != 1 {
		t.Errorf("old snapshot mutated: %v", before.Cities())
	}
	if len(svc.Current().Cities()) != 2 {
		t.Errorf("new snapshot = %v", svc.Current().Cities())
	}
}
