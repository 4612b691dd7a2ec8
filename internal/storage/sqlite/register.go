package sqlite

import "retailetl/internal/storage"

func init() {
	storage.Register("sqlite", New)
}
