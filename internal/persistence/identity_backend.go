package persistence

import (
	"fmt"
	"path/filepath"

	"github.com/basket/clawlink/internal/identity"
)

// Identity storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// IdentityBlobs opens the blob store that backs the device identity. The
// file backend treats path as a directory; the sqlite backend treats it as a
// database and reuses shared when it is already open on the same file. The
// returned close func is never nil.
func IdentityBlobs(backend, path string, shared *Store) (identity.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch backend {
	case "", BackendFile:
		return identity.FileStore{Dir: path}, noop, nil
	case BackendSQLite:
		if shared != nil && samePath(shared.Path(), path) {
			return shared, noop, nil
		}
		store, err := Open(path)
		if err != nil {
			return nil, noop, fmt.Errorf("open identity database: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown identity backend %q", backend)
	}
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	aa, errA := filepath.Abs(a)
	bb, errB := filepath.Abs(b)
	return errA == nil && errB == nil && aa == bb
}
