package mssql

import "retailetl/internal/storage"

func init() {
	storage.Register("mssql", New)
	storage.Register("sqlserver", New)
}
