package storage

import "fmt"

// NewStore builds a backend by kind. path is the directory for the file
// backend and the database file for sqlite.
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		if path == "" {
			return nil, fmt.Errorf("file store requires a directory")
		}
		return NewFileStore(path), nil
	case "sqlite":
		return newSQLiteStore(path)
	case "":
		return NewStore(DefaultStoreKind(), path)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
