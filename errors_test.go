package rodepush

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func isKind(err error, k ErrorKind) bool {
	return errors.Is(err, k)
}

func TestErrorKindMatching(t *testing.T) {
	base := &Error{
		Op:      "objstore/Get",
		Kind:    ErrStorage,
		Message: "read failed",
		Inner:   io.ErrUnexpectedEOF,
	}
	wrapped := fmt.Errorf("loading bundle: %w", base)

	if !errors.Is(wrapped, ErrStorage) {
		t.Error("kind not matched through wrapping")
	}
	if errors.Is(wrapped, ErrCatalog) {
		t.Error("matched wrong kind")
	}
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Error("inner cause lost")
	}

	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatal("errors.As failed")
	}
	if e.Op != "objstore/Get" {
		t.Errorf("got op %q", e.Op)
	}
}

func TestErrorTransientMarker(t *testing.T) {
	err := &Error{
		Kind:    ErrStorage,
		Message: "connection reset",
		Inner:   &Error{Kind: ErrTransient, Inner: io.EOF},
	}
	if !errors.Is(err, ErrTransient) {
		t.Error("transient marker not visible")
	}
	if errors.Is(err, ErrPermanent) {
		t.Error("spurious permanent marker")
	}
}

func TestErrorString(t *testing.T) {
	tt := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "Full",
			err:  &Error{Op: "libdiff/Get", Kind: ErrNotFound, Message: "no such bundle"},
			want: "libdiff/Get [not_found]: no such bundle",
		},
		{
			name: "InnerOnly",
			err:  &Error{Kind: ErrInternal, Inner: errors.New("boom")},
			want: "boom",
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("got: %q, want: %q", got, tc.want)
			}
		})
	}
}
