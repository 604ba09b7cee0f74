package validation

import "testing"

func TestIsValidDID(t *testing.T) {
	valid := []string{
		"did:test:1",
		"did:ethr:0x1234567890123456789012345678901234567890",
		"did:web:example.com",
		"did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
	}
	for _, did := range valid {
		if !IsValidDID(did) {
			t.Errorf("expected %q to be valid", did)
		}
	}

	invalid := []string{
		"",
		"did:",
		"did:test",
		"DID:test:1",
		"user@example.com",
		"did:Test:1",
	}
	for _, did := range invalid {
		if IsValidDID(did) {
			t.Errorf("expected %q to be invalid", did)
		}
	}
}

func TestIsValidEthAddress(t *testing.T) {
	if !IsValidEthAddress("0x1234567890123456789012345678901234567890") {
		t.Error("expected valid address to pass")
	}
	if IsValidEthAddress("0x123") {
		t.Error("expected short address to fail")
	}
	if IsValidEthAddress("1234567890123456789012345678901234567890") {
		t.Error("expected missing 0x prefix to fail")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestSanitizeAddress(t *testing.T) {
	addr := "ABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD"
	got := SanitizeAddress(addr)
	if got != "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd" {
		t.Errorf("got %q", got)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("did", ""),
		ValidDID("did", ""), // skipped: empty values are Required's job
	)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}

	errs = Validate(ValidDID("did", "not-a-did"))
	if len(errs) != 1 {
		t.Fatalf("expected 1 error for malformed DID, got %d", len(errs))
	}

	errs = Validate(
		Required("did", "did:test:1"),
		ValidDID("did", "did:test:1"),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}
