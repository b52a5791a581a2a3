package obx

import (
	"context"

	"github.com/google/uuid"
)

// Repository manages outbox records persistent operations. This interface is
// the only one the clients need to interact with the module.
type Repository interface {

	// Save persists an outbox record in the configured external storage.
	// This operation must be called inside an existing business transaction
	// provided in the context, so the record is committed or rolled back
	// atomically with the aggregate state change that produced the event.
	Save(ctx context.Context, e *Event) error

	// FindUnpublished retrieves up to limit unpublished records that are not
	// dead lettered, ordered by creation time ascending. A limit of -1 means
	// no limit. An empty result is not an error.
	FindUnpublished(ctx context.Context, limit int) ([]*Record, error)

	// MarkPublished sets published=true and the publication timestamp on a
	// record. It is idempotent: marking an already published record is a
	// no-op, never an error.
	MarkPublished(ctx context.Context, id uuid.UUID) error

	// RecordFailure increments the retry counter of a record and overwrites
	// its last known error. The published flag is never touched.
	RecordFailure(ctx context.Context, id uuid.UUID, cause string) error

	// MarkDeadLettered sets a record aside after its delivery attempts are
	// exhausted. Dead lettered records are excluded from FindUnpublished but
	// remain in the table for inspection.
	MarkDeadLettered(ctx context.Context, id uuid.UUID) error

	// AcquireLock gets a lease on the outbox table using optimistic locking,
	// so only one relay processes deliveries at a time.
	AcquireLock(ctx context.Context, relayID uuid.UUID) (bool, error)

	// ReleaseLock releases the lease acquired in AcquireLock.
	ReleaseLock(ctx context.Context, relayID uuid.UUID) error

	// SubscribeRelay tries to create a relay subscription taking into
	// account the maximum allowed relays.
	SubscribeRelay(ctx context.Context, relayID uuid.UUID, maxRelays int) (subscribed bool, subscription int, err error)

	// UpdateSubscription refreshes the relay subscription to prevent
	// potential thefts by other relays.
	UpdateSubscription(ctx context.Context, relayID uuid.UUID) (updated bool, err error)
}
