package postgres

import "fbextract/internal/storage"

func init() {
	storage.Register("postgres", New)
}
