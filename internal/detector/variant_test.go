package detector

import (
	"errors"
	"testing"
	"time"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
)

func TestRegistryBuiltins(t *testing.T) {
	r, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	v, err := r.Lookup(VariantSameBid)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !v.SameBid {
		t.Error("same-bid-drops should require equal bids")
	}

	v, err = r.Lookup(VariantConsecutive)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if v.SameBid {
		t.Error("consecutive-drops should not require equal bids")
	}

	_, err = r.Lookup("nope")
	if !errors.Is(err, ErrUnknownVariant) {
		t.Errorf("Lookup(nope) error = %v, want ErrUnknownVariant", err)
	}
}

func TestRegistryOverrides(t *testing.T) {
	r, err := NewRegistry([]Variant{
		{Name: VariantConsecutive, SameBid: false, Description: "custom"},
		{Name: "premium-drops", SameBid: true},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	v, _ := r.Lookup(VariantConsecutive)
	if v.Description != "custom" {
		t.Errorf("override not applied: %+v", v)
	}

	names := r.Names()
	want := []string{VariantConsecutive, "premium-drops", VariantSameBid}
	if len(names) != len(want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	if len(r.List()) != 3 {
		t.Errorf("List = %v", r.List())
	}
}

func TestRegistryRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		variants []Variant
	}{
		{"empty name", []Variant{{Name: ""}}},
		{"duplicate", []Variant{{Name: "a"}, {Name: "a", SameBid: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.variants); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateSequence(t *testing.T) {
	base := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	at := func(id string, offset time.Duration) calls.Record {
		return calls.Record{CallID: id, StartedAt: base.Add(offset)}
	}

	tests := []struct {
		name       string
		records    []calls.Record
		outOfOrder int
		missing    int
		duplicates int
	}{
		{
			name:    "clean",
			records: []calls.Record{at("a", 0), at("b", time.Minute), at("c", 2*time.Minute)},
		},
		{
			name:       "out of order",
			records:    []calls.Record{at("a", time.Minute), at("b", 0)},
			outOfOrder: 1,
		},
		{
			name:    "missing id",
			records: []calls.Record{at("a", 0), at("", time.Minute)},
			missing: 1,
		},
		{
			name:       "duplicate id",
			records:    []calls.Record{at("a", 0), at("a", time.Minute)},
			duplicates: 1,
		},
		{
			name:    "zero start times ignored",
			records: []calls.Record{{CallID: "a"}, at("b", time.Minute), {CallID: "c"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateSequence(tt.records)
			if res.OutOfOrder != tt.outOfOrder || res.MissingIDs != tt.missing || res.Duplicates != tt.duplicates {
				t.Errorf("ValidateSequence = %+v", res)
			}
			wantClean := tt.outOfOrder+tt.missing+tt.duplicates == 0
			if res.Clean() != wantClean {
				t.Errorf("Clean() = %v, want %v (warnings %v)", res.Clean(), wantClean, res.Warnings)
			}
		})
	}
}
