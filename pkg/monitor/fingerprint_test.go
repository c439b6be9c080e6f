package monitor

import (
	"testing"
	"time"
)

func TestFingerprintStability(t *testing.T) {
	v1 := Violation{ID: "s3-bpa-01", ResourceID: "arn:aws:s3:::demo", DetectedAt: time.Now()}
	v2 := Violation{ID: "s3-bpa-01", ResourceID: "arn:aws:s3:::demo", DetectedAt: time.Now().Add(48 * time.Hour)}

	if Fingerprint(v1) != Fingerprint(v2) {
		t.Error("fingerprints for violations with the same id+resource but different timestamps must match")
	}
}

func TestFingerprintDiffersOnResourceOrID(t *testing.T) {
	base := Violation{ID: "s3-bpa-01", ResourceID: "arn:aws:s3:::demo"}
	diffResource := Violation{ID: "s3-bpa-01", ResourceID: "arn:aws:s3:::other"}
	diffID := Violation{ID: "s3-bpa-02", ResourceID: "arn:aws:s3:::demo"}

	if Fingerprint(base) == Fingerprint(diffResource) {
		t.Error("fingerprint must differ when resource id differs")
	}
	if Fingerprint(base) == Fingerprint(diffID) {
		t.Error("fingerprint must differ when violation id differs")
	}
}

func TestFingerprintIsHex256(t *testing.T) {
	fp := Fingerprint(Violation{ID: "x", ResourceID: "y"})
	if len(fp) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars (256 bits)", len(fp))
	}
	for _, r := range fp {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			t.Fatalf("fingerprint contains non-hex character: %q", fp)
		}
	}
}

func TestViolationValidate(t *testing.T) {
	if err := (Violation{}).Validate(); err == nil {
		t.Error("expected empty violation to fail validation")
	}
	if err := (Violation{ID: "a", ResourceID: "b"}).Validate(); err != nil {
		t.Errorf("expected populated violation to pass validation: %v", err)
	}
}
