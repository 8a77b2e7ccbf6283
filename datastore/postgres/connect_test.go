package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/panicfrog/rodepush"
)

func TestCatalogErrClassification(t *testing.T) {
	tt := []struct {
		name string
		err  error
		kind rodepush.ErrorKind
	}{
		{name: "NoRows", err: pgx.ErrNoRows, kind: rodepush.ErrNotFound},
		{name: "Unique", err: &pgconn.PgError{Code: "23505"}, kind: rodepush.ErrConflict},
		{name: "ForeignKey", err: &pgconn.PgError{Code: "23503"}, kind: rodepush.ErrValidation},
		{name: "Check", err: &pgconn.PgError{Code: "23514"}, kind: rodepush.ErrValidation},
		{name: "Other", err: errors.New("connection refused"), kind: rodepush.ErrCatalog},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			err := catalogErr("test/op", "msg", tc.err)
			if !errors.Is(err, tc.kind) {
				t.Errorf("got %v, want kind %v", err, tc.kind)
			}
			if !errors.Is(err, tc.err) {
				t.Error("cause lost")
			}
		})
	}
}
