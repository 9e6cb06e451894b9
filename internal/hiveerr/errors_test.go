package hiveerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"typed", New(KindBusy, "contended"), KindBusy},
		{"wrapped", fmt.Errorf("outer: %w", New(KindCycle, "loop")), KindCycle},
		{"plain", errors.New("anything"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(KindBusy, "b")) || !Retryable(New(KindLocked, "l")) {
		t.Fatal("busy/locked must be retryable")
	}
	for _, kind := range []Kind{KindConstraint, KindMismatch, KindSchema, KindCycle, KindParse, KindNotFound} {
		if Retryable(New(kind, "x")) {
			t.Fatalf("%s must not be retryable", kind)
		}
	}
}

func TestCycleCarriesPath(t *testing.T) {
	err := Cycle([]string{"bd-1", "bd-2", "bd-1"})
	var he *Error
	if !errors.As(err, &he) {
		t.Fatal("not an *Error")
	}
	if len(he.Path) != 3 || he.Path[0] != "bd-1" {
		t.Fatalf("path = %v", he.Path)
	}
	if !Is(err, KindCycle) {
		t.Fatal("kind mismatch")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := Wrap(KindIO, "reading file", inner)
	if !errors.Is(err, inner) {
		t.Fatal("wrap chain broken")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:   404,
		KindParse:      400,
		KindOutOfRange: 400,
		KindBusy:       503,
		KindInternal:   500,
		KindCycle:      500,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestToBody(t *testing.T) {
	body := ToBody(New(KindLocked, "try later"))
	if body.Kind != "LOCKED" || !body.Retryable || body.Message == "" {
		t.Fatalf("body = %+v", body)
	}
}
