package model

import (
	"errors"
	"testing"
)

func TestCheckTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}:  true,
		{StatusPending, StatusComplete}:    true,
		{StatusPending, StatusFailed}:      true,
		{StatusProcessing, StatusComplete}: true,
		{StatusProcessing, StatusFailed}:   true,
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			err := CheckTransition(from, to)
			if allowed[[2]Status{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
			var te *TransitionError
			if !errors.As(err, &te) || te.From != from || te.To != to {
				t.Errorf("%s -> %s: expected TransitionError with endpoints, got %#v", from, to, err)
			}
		}
	}
}

func TestCheckTransitionRejectsUnknownStatus(t *testing.T) {
	if err := CheckTransition(StatusPending, Status("archived")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for unknown status, got %v", err)
	}
}

func TestTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:    false,
		StatusProcessing: false,
		StatusComplete:   true,
		StatusFailed:     true,
	}
	for st, want := range cases {
		if got := st.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", st, got, want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if st, err := ParseStatus("complete"); err != nil || st != StatusComplete {
		t.Fatalf("ParseStatus(complete) = %q, %v", st, err)
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestDefaultTitle(t *testing.T) {
	cases := []struct {
		name     string
		meta     Metadata
		filename string
		want     string
	}{
		{"strips extension", Metadata{}, "red-dress.jpeg", "red-dress"},
		{"keeps explicit title", Metadata{Title: "Boots"}, "img.png", "Boots"},
		{"whitespace title replaced", Metadata{Title: "  "}, "dir/hat.webp", "hat"},
		{"no extension", Metadata{}, "scarf", "scarf"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.meta.WithDefaultTitle(tc.filename).Title; got != tc.want {
				t.Fatalf("title = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	verr := NewValidationError("image", "can't be blank")
	verr.Add("title", "too long")
	if !errors.Is(verr, ErrValidation) {
		t.Fatal("expected errors.Is to match ErrValidation")
	}
	want := "validation failed: image: can't be blank; title: too long"
	if verr.Error() != want {
		t.Fatalf("Error() = %q, want %q", verr.Error(), want)
	}
}

func TestValidateUpdatePayloadRules(t *testing.T) {
	if _, err := ValidateUpdate(StatusPending, StatusProcessing, Violations{"blur": 0.8}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for payload on non-terminal status, got %v", err)
	}
	v, err := ValidateUpdate(StatusProcessing, StatusComplete, nil)
	if err != nil {
		t.Fatalf("ValidateUpdate: %v", err)
	}
	if v == nil || len(v) != 0 {
		t.Fatalf("expected empty non-nil violations, got %#v", v)
	}
	in := Violations{"blur": 0.8}
	v, err = ValidateUpdate(StatusPending, StatusComplete, in)
	if err != nil {
		t.Fatalf("ValidateUpdate: %v", err)
	}
	in["blur"] = 0.1
	if v["blur"] != 0.8 {
		t.Fatal("expected payload to be copied")
	}
}
