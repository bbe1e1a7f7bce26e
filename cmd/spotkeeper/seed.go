package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/example/spotkeeper/internal/spot/domain"
	"github.com/example/spotkeeper/internal/spot/repository"
)

type seedFile struct {
	Parkings []struct {
		ID    string   `json:"id"`
		Spots []string `json:"spots"`
	} `json:"parkings"`
}

// seedMemoryStore loads parkings with all spots available into the in-memory store.
func seedMemoryStore(store *repository.MemoryStore, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return 0, fmt.Errorf("parse seed: %w", err)
	}
	spots := 0
	for _, p := range seed.Parkings {
		if p.ID == "" {
			return spots, errors.New("parse seed: parking without id")
		}
		store.PutParking(domain.Parking{ID: p.ID, Capacity: len(p.Spots), Available: len(p.Spots), Version: 1})
		for _, id := range p.Spots {
			store.PutSpot(domain.Spot{Key: domain.SpotKey{ParkingID: p.ID, SpotID: id}, State: domain.Available{}, Version: 1})
			spots++
		}
	}
	return spots, nil
}
