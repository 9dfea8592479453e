// Package repository provides typed access to the tree store with
// validation at the write boundary.
package repository

import (
	"errors"

	"forum/internal/models"
	"forum/internal/treestore"
)

// translate maps store errors onto application errors.
func translate(err error, resource string, id interface{}) error {
	if err == nil {
		return nil
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, treestore.ErrNotFound) {
		return models.NewNotFoundError(resource, id)
	}
	return err
}
