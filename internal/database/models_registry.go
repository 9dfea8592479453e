package database

import "forum/internal/saga"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&saga.Record{},
	}
}
