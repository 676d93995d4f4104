//go:build !cgo

package dolt

import (
	"context"
	"errors"
)

var errEmbeddedNeedsCGO = errors.New("embedded dolt requires a cgo build; use server mode or rebuild with CGO_ENABLED=1")

func (s *Store) openEmbedded(context.Context) error {
	return errEmbeddedNeedsCGO
}
