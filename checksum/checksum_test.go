package checksum

import (
	"errors"
	"testing"

	"github.com/alephtx/datablock/errs"
	"github.com/alephtx/datablock/hash"
	"github.com/alephtx/datablock/header"
)

func TestStoreVerifyRoundTrip(t *testing.T) {
	arr := make([]byte, hash.Size*4)
	payload := []byte("a committed slot payload")

	Store(arr, 2, payload)
	if err := Verify(arr, 2, payload); err != nil {
		t.Errorf("Verify after Store failed: %v", err)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	arr := make([]byte, hash.Size*4)
	Store(arr, 0, []byte("original"))

	err := Verify(arr, 0, []byte("tampered!"))
	if !errors.Is(err, errs.ErrChecksumFailed) {
		t.Errorf("Verify on tampered payload = %v, want ErrChecksumFailed", err)
	}
}

func TestOnCommitNoopUnderManual(t *testing.T) {
	arr := make([]byte, hash.Size*2)
	OnCommit(header.Manual, arr, 0, []byte("payload"))
	if err := Verify(arr, 0, []byte("payload")); err == nil {
		t.Errorf("Verify succeeded after a Manual-policy commit stored nothing")
	}
}

func TestOnCommitStoresUnderUpdateAndEnforce(t *testing.T) {
	for _, policy := range []header.ChecksumPolicy{header.Update, header.Enforce} {
		arr := make([]byte, hash.Size*2)
		OnCommit(policy, arr, 0, []byte("payload"))
		if err := Verify(arr, 0, []byte("payload")); err != nil {
			t.Errorf("policy %v: Verify after OnCommit failed: %v", policy, err)
		}
	}
}

func TestOnReadOnlyVerifiesUnderEnforce(t *testing.T) {
	arr := make([]byte, hash.Size*2)
	OnCommit(header.Update, arr, 0, []byte("payload"))

	var failures uint64
	if err := OnRead(header.Update, arr, 0, []byte("tampered"), &failures); err != nil {
		t.Errorf("OnRead under Update policy returned error, want nil (no verification)")
	}
	if err := OnRead(header.Enforce, arr, 0, []byte("tampered"), &failures); !errors.Is(err, errs.ErrChecksumFailed) {
		t.Errorf("OnRead under Enforce policy = %v, want ErrChecksumFailed", err)
	}
	if failures != 1 {
		t.Errorf("failures counter = %d, want 1", failures)
	}
}

func TestFlexZoneChecksumRoundTrip(t *testing.T) {
	h := &header.Header{}
	zone := []byte("flexible zone contents")
	StoreFlexZone(h, zone)
	if err := VerifyFlexZone(h, zone); err != nil {
		t.Errorf("VerifyFlexZone after StoreFlexZone failed: %v", err)
	}
	if err := VerifyFlexZone(h, []byte("different contents")); err == nil {
		t.Errorf("VerifyFlexZone accepted mismatched flexible zone bytes")
	}
}
