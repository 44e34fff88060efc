package errctx

import (
	"errors"
	"fmt"
	"testing"
)

func TestRecordReadSetsFullOnlyForCapacityOrIntegrity(t *testing.T) {
	cases := []struct {
		name string
		err  error
		full bool
	}{
		{"transient", fmt.Errorf("wrap: %w", ErrTransient), false},
		{"programming", fmt.Errorf("wrap: %w", ErrProgramming), false},
		{"resource", fmt.Errorf("wrap: %w", ErrResource), false},
		{"capacity", fmt.Errorf("wrap: %w", ErrCapacity), true},
		{"integrity", fmt.Errorf("wrap: %w", ErrIntegrity), true},
		{"unclassified", errors.New("boom"), false},
	}
	for _, c := range cases {
		var ctx Context
		ctx.RecordRead(c.err)
		if ctx.Full != c.full {
			t.Errorf("%s: expected Full=%v, got %v", c.name, c.full, ctx.Full)
		}
		if !ctx.ReadErr {
			t.Errorf("%s: expected ReadErr set", c.name)
		}
	}
}

func TestRecordWriteSetsFullOnlyForCapacityOrIntegrity(t *testing.T) {
	cases := []struct {
		name string
		err  error
		full bool
	}{
		{"transient", fmt.Errorf("wrap: %w", ErrTransient), false},
		{"programming", fmt.Errorf("wrap: %w", ErrProgramming), false},
		{"capacity", fmt.Errorf("wrap: %w", ErrCapacity), true},
		{"integrity", fmt.Errorf("wrap: %w", ErrIntegrity), true},
	}
	for _, c := range cases {
		var ctx Context
		ctx.RecordWrite(c.err)
		if ctx.Full != c.full {
			t.Errorf("%s: expected Full=%v, got %v", c.name, c.full, ctx.Full)
		}
		if !ctx.WriteErr {
			t.Errorf("%s: expected WriteErr set", c.name)
		}
	}
}

func TestErrReportsNilWithoutAnyRecordedFailure(t *testing.T) {
	var ctx Context
	if ctx.HasError() {
		t.Fatalf("expected no error recorded on a fresh Context")
	}
	if err := ctx.Err(); err != nil {
		t.Fatalf("expected nil Err(), got %v", err)
	}
}

func TestErrWrapsFirstRecordedDetail(t *testing.T) {
	var ctx Context
	first := fmt.Errorf("wrap: %w", ErrCapacity)
	ctx.RecordWrite(first)
	ctx.RecordRead(fmt.Errorf("wrap: %w", ErrTransient))

	err := ctx.Err()
	if err == nil {
		t.Fatalf("expected a non-nil error")
	}
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected Err() to wrap the first recorded detail, got %v", err)
	}
}
