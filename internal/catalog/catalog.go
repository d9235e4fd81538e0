// Package catalog maintains an immutable snapshot of the browse tree
// (cities, districts, product types, size variants) derived from the
// product table. Readers get a consistent view without touching storage;
// writers rebuild and swap the snapshot after every product mutation.
package catalog

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/storage"
)

// Variant is one purchasable size of a product type within a district,
// with the count of units currently free to reserve.
type Variant struct {
	Size      string       `json:"size"`
	Price     money.Amount `json:"price"`
	FreeCount int          `json:"free_count"`
}

// TypeEntry groups the size variants of one product type.
type TypeEntry struct {
	ProductType string    `json:"product_type"`
	Variants    []Variant `json:"variants"`
}

// Snapshot is an immutable view of the catalogue tree. All slices are
// sorted and must not be mutated by callers.
type Snapshot struct {
	cities    []string
	districts map[string][]string            // city -> districts
	types     map[[2]string][]TypeEntry      // (city, district) -> types
	variants  map[[3]string]map[string]int64 // (city, district, type) -> size -> example product id
}

// Cities returns all cities with at least one available unit.
func (s *Snapshot) Cities() []string {
	return s.cities
}

// Districts returns the districts of a city that carry stock.
func (s *Snapshot) Districts(city string) []string {
	return s.districts[city]
}

// Types returns the product types on offer in a district.
func (s *Snapshot) Types(city, district string) []TypeEntry {
	return s.types[[2]string{city, district}]
}

// UnitFor picks one free product id matching the variant, or false when
// the variant sold out since the snapshot was taken. The reservation CAS
// in storage is still the authority; this is only a candidate.
func (s *Snapshot) UnitFor(city, district, productType, size string) (int64, bool) {
	sizes, ok := s.variants[[3]string{city, district, productType}]
	if !ok {
		return 0, false
	}
	id, ok := sizes[size]
	return id, ok
}

// Service rebuilds and serves catalogue snapshots.
type Service struct {
	store storage.Store
	log   zerolog.Logger
	snap  atomic.Pointer[Snapshot]
}

// NewService builds the initial snapshot and returns the service.
func NewService(ctx context.Context, store storage.Store, log zerolog.Logger) (*Service, error) {
	s := &Service{store: store, log: log.With().Str("component", "catalog").Logger()}
	if err := s.Rebuild(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the live snapshot. Never nil after NewService.
func (s *Service) Current() *Snapshot {
	return s.snap.Load()
}

// Rebuild recomputes the tree from storage and atomically swaps it in.
// Call after any admin product mutation and after finalisation deletes
// rows.
func (s *Service) Rebuild(ctx context.Context) error {
	products, err := s.store.ListProducts(ctx, storage.ProductFilter{OnlyAvailable: true})
	if err != nil {
		return err
	}

	snap := &Snapshot{
		districts: make(map[string][]string),
		types:     make(map[[2]string][]TypeEntry),
		variants:  make(map[[3]string]map[string]int64),
	}

	citySet := make(map[string]map[string]bool) // city -> district set
	type variantKey struct {
		city, district, ptype, size string
	}
	counts := make(map[variantKey]int)
	prices := make(map[variantKey]money.Amount)
	candidates := make(map[variantKey]int64)

	for _, p := range products {
		if citySet[p.City] == nil {
			citySet[p.City] = make(map[string]bool)
		}
		citySet[p.City][p.District] = true

		k := variantKey{p.City, p.District, p.ProductType, p.Size}
		prices[k] = p.Price
		if !p.Reserved {
			counts[k]++
			candidates[k] = p.ID
		}
	}

	for city, districts := range citySet {
		snap.cities = append(snap.cities, city)
		for district := range districts {
			snap.districts[city] = append(snap.districts[city], district)
		}
		sort.Strings(snap.districts[city])
	}
	sort.Strings(snap.cities)

	grouped := make(map[[3]string][]Variant)
	for k, price := range prices {
		tk := [3]string{k.city, k.district, k.ptype}
		grouped[tk] = append(grouped[tk], Variant{
			Size:      k.size,
			Price:     price,
			FreeCount: counts[k],
		})
		if id, ok := candidates[k]; ok {
			if snap.variants[tk] == nil {
				snap.variants[tk] = make(map[string]int64)
			}
			snap.variants[tk][k.size] = id
		}
	}

	typeNames := make(map[[2]string]map[string]bool)
	for tk := range grouped {
		dk := [2]string{tk[0], tk[1]}
		if typeNames[dk] == nil {
			typeNames[dk] = make(map[string]bool)
		}
		typeNames[dk][tk[2]] = true
	}
	for dk, names := range typeNames {
		sorted := make([]string, 0, len(names))
		for name := range names {
			sorted = append(sorted, name)
		}
		sort.Strings(sorted)
		for _, name := range sorted {
			variants := grouped[[3]string{dk[0], dk[1], name}]
			sort.Slice(variants, func(i, j int) bool { return variants[i].Size < variants[j].Size })
			snap.types[dk] = append(snap.types[dk], TypeEntry{ProductType: name, Variants: variants})
		}
	}

	s.snap.Store(snap)
	s.log.Debug().Int("cities", len(snap.cities)).Int("products", len(products)).Msg("catalogue rebuilt")
	return nil
}
