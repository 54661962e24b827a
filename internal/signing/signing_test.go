package signing

import "testing"

func TestSigner(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	sig := s.Sign("1", "item-123", "file:///var/lib/snapcheck/a.jpg")
	if len(sig) != 64 {
		t.Fatalf("expected hex sha256 signature, got %q", sig)
	}
	if !s.Validate(sig, "1", "item-123", "file:///var/lib/snapcheck/a.jpg") {
		t.Fatalf("expected signature to validate")
	}
	if s.Validate(sig, "1", "item-456", "file:///var/lib/snapcheck/a.jpg") {
		t.Fatalf("expected validation to fail for wrong item id")
	}
	if s.Validate(sig, "1", "item-123", "s3://bucket/a.jpg") {
		t.Fatalf("expected validation to fail for wrong reference")
	}
	if NewSigner([]byte("other")).Validate(sig, "1", "item-123", "file:///var/lib/snapcheck/a.jpg") {
		t.Fatalf("expected validation to fail for a different secret")
	}
}

func TestDisabledSigner(t *testing.T) {
	s := NewSigner(nil)
	if s.Enabled() {
		t.Fatal("expected signer without secret to be disabled")
	}
	if sig := s.Sign("1", "a"); sig != "" {
		t.Fatalf("expected empty signature, got %q", sig)
	}
	if !s.Validate("anything", "1", "a") {
		t.Fatal("expected disabled signer to accept")
	}
	var nilSigner *Signer
	if !nilSigner.Validate("", "x") {
		t.Fatal("expected nil signer to accept")
	}
}
