package mysql

import "retailetl/internal/storage"

func init() {
	storage.Register("mysql", New)
}
