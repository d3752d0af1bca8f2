package remote

import "github.com/carryzone/carrymap/internal/pins"

// pinPayload is the wire shape shared with the backend. Status travels as its
// small-integer code; timestamps are epoch milliseconds and must round-trip
// exactly.
type pinPayload struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	Status            int     `json:"status"`
	PhotoRef          string  `json:"photo_ref,omitempty"`
	Notes             string  `json:"notes,omitempty"`
	Votes             int     `json:"votes"`
	CreatorID         string  `json:"creator_id,omitempty"`
	CreatedAtMs       int64   `json:"created_at_ms"`
	LastModifiedMs    int64   `json:"last_modified_ms"`
	RestrictionReason string  `json:"restriction_reason,omitempty"`
	SecurityScreening bool    `json:"security_screening"`
	PostedSignage     bool    `json:"posted_signage"`
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenPayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

type changePayload struct {
	Event string      `json:"event"`
	PinID string      `json:"pin_id"`
	Pin   *pinPayload `json:"pin,omitempty"`
}

func payloadFromPin(pin pins.Pin) pinPayload {
	return pinPayload{
		ID:                pin.ID,
		Name:              pin.Name,
		Latitude:          pin.Latitude,
		Longitude:         pin.Longitude,
		Status:            pin.Status.Code(),
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

// pinFromPayload re-validates downloaded pins; the backend is outside this
// process's trust boundary and must not plant malformed pins in the local
// store.
func pinFromPayload(payload pinPayload) (pins.Pin, error) {
	pinID, err := pins.NewPinID(payload.ID)
	if err != nil {
		return pins.Pin{}, err
	}
	coordinate, err := pins.NewCoordinate(payload.Latitude, payload.Longitude)
	if err != nil {
		return pins.Pin{}, err
	}
	status, err := pins.NewStatus(payload.Status)
	if err != nil {
		return pins.Pin{}, err
	}
	return pins.NewPin(pins.PinConfig{
		ID:                pinID,
		Name:              payload.Name,
		Coordinate:        coordinate,
		Status:            status,
		PhotoRef:          payload.PhotoRef,
		Notes:             payload.Notes,
		Votes:             payload.Votes,
		CreatorID:         payload.CreatorID,
		CreatedAtMs:       payload.CreatedAtMs,
		LastModifiedMs:    payload.LastModifiedMs,
		RestrictionReason: payload.RestrictionReason,
		SecurityScreening: payload.SecurityScreening,
		PostedSignage:     payload.PostedSignage,
	}), nil
}
