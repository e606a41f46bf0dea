package interfaces

import (
	"context"
	"fmt"
	"net/url"
)

// RecordStore provides durable keyed persistence for drop and fragment
// metadata across process restarts. Keys are slash-separated paths,
// e.g. "drop/<id>" or "frag/<id>/<index>".
type RecordStore interface {
	// Put stores a record under key, replacing any previous value.
	Put(ctx context.Context, key string, record []byte) error

	// Get retrieves a record. Returns ErrRecordNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Scan returns all records whose key starts with prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)

	// Delete removes a record. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string
}

// StoreLocation represents a parsed storage backend URI.
type StoreLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	Auth   string
}

// NewStoreLocation parses and validates a storage backend URI.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "memory", "file", "s3", "vault":
		// Valid scheme
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}
