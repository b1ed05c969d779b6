// Package catalog seeds the client-owned records (clients, geofences, routes,
// itineraries, vehicles) from a YAML file. Field names follow the JSON form of the records.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"fleetsync/internal/model"
	"fleetsync/internal/store"
)

type File struct {
	Clients     []model.Client    `json:"clients"`
	Geofences   []model.Geofence  `json:"geofences"`
	Routes      []model.Route     `json:"routes"`
	Itineraries []model.Itinerary `json:"itineraries"`
	Vehicles    []model.Vehicle   `json:"vehicles"`
}

// Decode reads a YAML (or JSON) catalog document.
func Decode(r io.Reader) (File, error) {
	var raw any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && err != io.EOF {
		return File{}, fmt.Errorf("catalog yaml: %w", err)
	}
	// yaml -> json so the records keep a single set of field names
	b, err := json.Marshal(raw)
	if err != nil {
		return File{}, fmt.Errorf("catalog: %w", err)
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("catalog: %w", err)
	}
	return f, nil
}

// Seed writes every record in f; later records with the same id replace earlier ones.
func Seed(ctx context.Context, w store.CatalogWriter, f File) error {
	for _, c := range f.Clients {
		if c.ID == "" {
			return fmt.Errorf("catalog: client without id: %w", model.ErrValidation)
		}
		if err := w.PutClient(ctx, c); err != nil {
			return fmt.Errorf("client %s: %w", c.ID, err)
		}
	}
	for _, g := range f.Geofences {
		if err := w.PutGeofence(ctx, g); err != nil {
			return fmt.Errorf("geofence %s: %w", g.ID, err)
		}
	}
	for _, r := range f.Routes {
		if err := w.PutRoute(ctx, r); err != nil {
			return fmt.Errorf("route %s: %w", r.ID, err)
		}
	}
	for _, it := range f.Itineraries {
		if err := w.PutItinerary(ctx, it); err != nil {
			return fmt.Errorf("itinerary %s: %w", it.ID, err)
		}
	}
	for _, v := range f.Vehicles {
		if err := w.PutVehicle(ctx, v); err != nil {
			return fmt.Errorf("vehicle %s: %w", v.ID, err)
		}
	}
	return nil
}

// SeedFile decodes path and seeds it into w, returning the number of records written.
func SeedFile(ctx context.Context, w store.CatalogWriter, path string) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = fh.Close() }()
	f, err := Decode(fh)
	if err != nil {
		return 0, err
	}
	if err := Seed(ctx, w, f); err != nil {
		return 0, err
	}
	return len(f.Clients) + len(f.Geofences) + len(f.Routes) + len(f.Itineraries) + len(f.Vehicles), nil
}
