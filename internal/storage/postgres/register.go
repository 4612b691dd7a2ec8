package postgres

import "retailetl/internal/storage"

func init() {
	storage.Register("postgres", New)
}
