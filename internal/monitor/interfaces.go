package monitor

import (
	"context"
	"time"
)

// Fetcher performs one HTTP request and returns the response body.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (Document, error)
}

// Extractor parses a listing page into entries.
type Extractor interface {
	Extract(doc Document, source ListingSource) (Extraction, error)
}

// Ledger is the durable set of keys already handled.
type Ledger interface {
	// Load replaces the in-memory key set with a full read of the backing store.
	Load(ctx context.Context) error
	// Contains reports whether key was seen at the last Load or recorded since.
	Contains(key string) bool
	// Record appends key and returns only once the row is durable.
	Record(ctx context.Context, key string, at time.Time) error
}

// Resolver locates and downloads an item's attachment.
type Resolver interface {
	Resolve(ctx context.Context, item CandidateItem, source ListingSource) (AttachmentResult, error)
}

// Dispatcher hands a notification to the external sender.
type Dispatcher interface {
	Dispatch(ctx context.Context, request DispatchRequest) (int, error)
}

// Publisher pushes dispatch events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archiver mirrors a stored attachment to remote storage.
type Archiver interface {
	Archive(ctx context.Context, localPath, objectName, contentType string) (string, error)
}

// Hasher computes digests for synthetic keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and schedules wake-ups (useful for testing).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// IDGenerator produces cycle IDs.
type IDGenerator interface {
	NewID() (string, error)
}
