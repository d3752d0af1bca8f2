package pins

// ChangeKind enumerates the remote change-feed event types.
type ChangeKind string

const (
	// ChangeInsert announces a pin created on another device.
	ChangeInsert ChangeKind = "insert"
	// ChangeUpdate announces a pin edited on another device.
	ChangeUpdate ChangeKind = "update"
	// ChangeDelete announces a pin removed on another device.
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is one server-push notification. Pin is set for insert and
// update events; PinID is always set.
type ChangeEvent struct {
	Kind  ChangeKind
	PinID string
	Pin   *Pin
}
