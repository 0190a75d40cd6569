package server

import (
	"errors"
	"testing"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
)

func TestApperrPartsDecomposesKnownKind(t *testing.T) {
	err := apperr.New(apperr.KindBusy, "pool exhausted")
	status, code, msg := apperrParts(err)

	if status != apperr.KindBusy.HTTPStatus() {
		t.Fatalf("status = %d, want %d", status, apperr.KindBusy.HTTPStatus())
	}
	if code != apperr.KindBusy.Code() {
		t.Fatalf("code = %q, want %q", code, apperr.KindBusy.Code())
	}
	if msg != "pool exhausted" {
		t.Fatalf("message = %q, want %q", msg, "pool exhausted")
	}
}

func TestApperrPartsFallsBackForPlainError(t *testing.T) {
	status, code, msg := apperrParts(errors.New("boom"))

	if status != 500 {
		t.Fatalf("status = %d, want 500 for a plain error", status)
	}
	if code != "internal" {
		t.Fatalf("code = %q, want \"internal\"", code)
	}
	if msg != "boom" {
		t.Fatalf("message = %q, want %q", msg, "boom")
	}
}
