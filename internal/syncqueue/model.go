package syncqueue

// Operation enumerates the mutation kinds awaiting upload.
type Operation string

const (
	// OperationCreate mirrors a locally created pin to the backend.
	OperationCreate Operation = "CREATE"
	// OperationUpdate mirrors a local edit to the backend.
	OperationUpdate Operation = "UPDATE"
	// OperationDelete removes a pin from the backend by id.
	OperationDelete Operation = "DELETE"
)

// Entry is one pending mutation. At most one entry exists per pin id; update
// and delete enqueues replace whatever was queued before them.
type Entry struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PinID        string    `gorm:"column:pin_id;size:190;not null;index:idx_sync_queue_pin"`
	Op           Operation `gorm:"column:operation_type;size:16;not null"`
	EnqueuedAtMs int64     `gorm:"column:timestamp;not null"`
	RetryCount   int       `gorm:"column:retry_count;not null;default:0"`
	LastError    *string   `gorm:"column:last_error;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "sync_queue"
}
