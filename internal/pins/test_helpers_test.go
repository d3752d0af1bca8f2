package pins

import (
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func mustCoordinate(t *testing.T, latitude, longitude float64) Coordinate {
	t.Helper()
	coordinate, err := NewCoordinate(latitude, longitude)
	if err != nil {
		t.Fatalf("unexpected coordinate error: %v", err)
	}
	return coordinate
}

func mustPinID(t *testing.T, value string) PinID {
	t.Helper()
	id, err := NewPinID(value)
	if err != nil {
		t.Fatalf("unexpected pin id error: %v", err)
	}
	return id
}

func testPin(t *testing.T, id string, status Status, lastModifiedMs int64) Pin {
	t.Helper()
	return NewPin(PinConfig{
		ID:             mustPinID(t, id),
		Name:           "Test Location",
		Coordinate:     mustCoordinate(t, 40.7128, -74.0060),
		Status:         status,
		CreatedAtMs:    lastModifiedMs,
		LastModifiedMs: lastModifiedMs,
	})
}
