package pins

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPinID indicates that a pin identifier is empty or exceeds storage bounds.
	ErrInvalidPinID = errors.New("pins: invalid pin id")
	// ErrInvalidLatitude indicates a latitude outside [-90, 90].
	ErrInvalidLatitude = errors.New("pins: latitude out of range")
	// ErrInvalidLongitude indicates a longitude outside [-180, 180].
	ErrInvalidLongitude = errors.New("pins: longitude out of range")
	// ErrInvalidStatus indicates an unrecognized carry-status code.
	ErrInvalidStatus = errors.New("pins: invalid status code")
)

// PinID represents a validated pin identifier.
type PinID string

// NewPinID validates raw input and returns a PinID.
func NewPinID(rawInput string) (PinID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPinID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPinID, maxIdentifierLength)
	}
	return PinID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PinID) String() string {
	return string(id)
}

// Status enumerates the carry-zone classifications a pin can carry.
// The numeric values are the wire codes shared with the backend.
type Status int

const (
	// StatusAllowed marks a location where carry is permitted.
	StatusAllowed Status = 0
	// StatusUncertain marks a location whose policy is unknown or ambiguous.
	StatusUncertain Status = 1
	// StatusNoGun marks a location where carry is prohibited.
	StatusNoGun Status = 2
)

// NewStatus validates a wire code and returns the Status.
func NewStatus(code int) (Status, error) {
	switch Status(code) {
	case StatusAllowed, StatusUncertain, StatusNoGun:
		return Status(code), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidStatus, code)
	}
}

// Next returns the successor in the cycle Allowed -> Uncertain -> NoGun -> Allowed.
func (s Status) Next() Status {
	switch s {
	case StatusAllowed:
		return StatusUncertain
	case StatusUncertain:
		return StatusNoGun
	default:
		return StatusAllowed
	}
}

// Code exposes the wire encoding.
func (s Status) Code() int {
	return int(s)
}

// String names the status for logs.
func (s Status) String() string {
	switch s {
	case StatusAllowed:
		return "allowed"
	case StatusUncertain:
		return "uncertain"
	case StatusNoGun:
		return "no_gun"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Coordinate is a validated geographic position.
type Coordinate struct {
	latitude  float64
	longitude float64
}

// NewCoordinate validates the latitude/longitude pair.
func NewCoordinate(latitude, longitude float64) (Coordinate, error) {
	if latitude < -90 || latitude > 90 {
		return Coordinate{}, fmt.Errorf("%w: %f", ErrInvalidLatitude, latitude)
	}
	if longitude < -180 || longitude > 180 {
		return Coordinate{}, fmt.Errorf("%w: %f", ErrInvalidLongitude, longitude)
	}
	return Coordinate{latitude: latitude, longitude: longitude}, nil
}

// Latitude exposes the validated latitude.
func (c Coordinate) Latitude() float64 {
	return c.latitude
}

// Longitude exposes the validated longitude.
func (c Coordinate) Longitude() float64 {
	return c.longitude
}

// Pin models a user-created carry-zone annotation.
type Pin struct {
	ID                string
	Name              string
	Latitude          float64
	Longitude         float64
	Status            Status
	PhotoRef          string
	Notes             string
	Votes             int
	CreatorID         string
	CreatedAtMs       int64
	LastModifiedMs    int64
	RestrictionReason string
	SecurityScreening bool
	PostedSignage     bool
}

// PinConfig carries the validated inputs for NewPin. A zero ID and zero
// timestamps are permitted for pins whose identity the repository assigns.
type PinConfig struct {
	ID                PinID
	Name              string
	Coordinate        Coordinate
	Status            Status
	PhotoRef          string
	Notes             string
	Votes             int
	CreatorID         string
	CreatedAtMs       int64
	LastModifiedMs    int64
	RestrictionReason string
	SecurityScreening bool
	PostedSignage     bool
}

// NewPin constructs a Pin from validated parts. LastModifiedMs never trails
// CreatedAtMs.
func NewPin(cfg PinConfig) Pin {
	lastModified := cfg.LastModifiedMs
	if lastModified < cfg.CreatedAtMs {
		lastModified = cfg.CreatedAtMs
	}
	return Pin{
		ID:                cfg.ID.String(),
		Name:              cfg.Name,
		Latitude:          cfg.Coordinate.Latitude(),
		Longitude:         cfg.Coordinate.Longitude(),
		Status:            cfg.Status,
		PhotoRef:          cfg.PhotoRef,
		Notes:             cfg.Notes,
		Votes:             cfg.Votes,
		CreatorID:         cfg.CreatorID,
		CreatedAtMs:       cfg.CreatedAtMs,
		LastModifiedMs:    lastModified,
		RestrictionReason: cfg.RestrictionReason,
		SecurityScreening: cfg.SecurityScreening,
		PostedSignage:     cfg.PostedSignage,
	}
}

// Touch records a state-changing mutation at the provided epoch-millisecond
// instant. LastModifiedMs never decreases.
func (p *Pin) Touch(nowMs int64) {
	if nowMs > p.LastModifiedMs {
		p.LastModifiedMs = nowMs
	} else {
		p.LastModifiedMs++
	}
}

// Record is the persisted shape of a Pin.
type Record struct {
	PinID             string  `gorm:"column:pin_id;primaryKey;size:190;not null"`
	Name              string  `gorm:"column:name;size:320;not null"`
	Latitude          float64 `gorm:"column:latitude;not null"`
	Longitude         float64 `gorm:"column:longitude;not null"`
	StatusCode        int     `gorm:"column:status_code;not null;default:0"`
	PhotoRef          string  `gorm:"column:photo_ref;size:512"`
	Notes             string  `gorm:"column:notes;type:text"`
	Votes             int     `gorm:"column:votes;not null;default:0"`
	CreatorID         string  `gorm:"column:creator_id;size:190;index"`
	CreatedAtMs       int64   `gorm:"column:created_at_ms;not null"`
	LastModifiedMs    int64   `gorm:"column:last_modified_ms;not null;index"`
	RestrictionReason string  `gorm:"column:restriction_reason;size:64"`
	SecurityScreening bool    `gorm:"column:security_screening;not null;default:false"`
	PostedSignage     bool    `gorm:"column:posted_signage;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "pins"
}

func recordFromPin(pin Pin) Record {
	return Record{
		PinID:             pin.ID,
		Name:              pin.Name,
		Latitude:          pin.Latitude,
		Longitude:         pin.Longitude,
		StatusCode:        pin.Status.Code(),
		PhotoRef:          pin.PhotoRef,
		Notes:             pin.Notes,
		Votes:             pin.Votes,
		CreatorID:         pin.CreatorID,
		CreatedAtMs:       pin.CreatedAtMs,
		LastModifiedMs:    pin.LastModifiedMs,
		RestrictionReason: pin.RestrictionReason,
		SecurityScreening: pin.SecurityScreening,
		PostedSignage:     pin.PostedSignage,
	}
}

func pinFromRecord(record Record) Pin {
	return Pin{
		ID:                record.PinID,
		Name:              record.Name,
		Latitude:          record.Latitude,
		Longitude:         record.Longitude,
		Status:            Status(record.StatusCode),
		PhotoRef:          record.PhotoRef,
		Notes:             record.Notes,
		Votes:             record.Votes,
		CreatorID:         record.CreatorID,
		CreatedAtMs:       record.CreatedAtMs,
		LastModifiedMs:    record.LastModifiedMs,
		RestrictionReason: record.RestrictionReason,
		SecurityScreening: record.SecurityScreening,
		PostedSignage:     record.PostedSignage,
	}
}
