package fabric

import (
	"testing"

	"github.com/mattersec/fabricnode/pkg/crypto"
)

func TestMemoryKeystore_AllocateActivateCommit(t *testing.T) {
	ks := NewMemoryKeystore()

	pub, err := ks.NewOpKeypairForFabric(FabricIndexInvalid)
	if err != nil {
		t.Fatalf("NewOpKeypairForFabric failed: %v", err)
	}
	var nocPub [RootPublicKeySize]byte
	copy(nocPub[:], pub)

	if !ks.HasPendingOpKeypair(FabricIndexInvalid) {
		t.Error("expected a pending keypair tagged FabricIndexInvalid")
	}

	if err := ks.ActivateOpKeypairForFabric(FabricIndexInvalid, nocPub); err != nil {
		t.Fatalf("ActivateOpKeypairForFabric failed: %v", err)
	}

	if err := ks.RetagPendingKeypair(5); err != nil {
		t.Fatalf("RetagPendingKeypair failed: %v", err)
	}
	if ks.HasPendingOpKeypair(FabricIndexInvalid) {
		t.Error("pending keypair should no longer be tagged to the old index")
	}
	if !ks.HasPendingOpKeypair(5) {
		t.Error("pending keypair should now be tagged to index 5")
	}

	sig, err := ks.SignWithPendingOpKey(5, []byte("message"))
	if err != nil {
		t.Fatalf("SignWithPendingOpKey failed: %v", err)
	}
	if len(sig) == 0 {
		t.Error("expected a non-empty signature")
	}

	if err := ks.CommitOpKeypairForFabric(5); err != nil {
		t.Fatalf("CommitOpKeypairForFabric failed: %v", err)
	}
	if !ks.HasOpKeypairForFabric(5) {
		t.Error("expected committed keypair at index 5")
	}
	if ks.HasPendingOpKeypair(5) {
		t.Error("pending state should be cleared after commit")
	}

	if _, err := ks.SignWithStoredOpKey(5, []byte("message")); err != nil {
		t.Errorf("SignWithStoredOpKey failed: %v", err)
	}
}

func TestMemoryKeystore_ActivateMismatch(t *testing.T) {
	ks := NewMemoryKeystore()
	if _, err := ks.NewOpKeypairForFabric(1); err != nil {
		t.Fatalf("NewOpKeypairForFabric failed: %v", err)
	}

	var wrongPub [RootPublicKeySize]byte
	wrongPub[0] = 0x04
	err := ks.ActivateOpKeypairForFabric(1, wrongPub)
	if err != ErrOpKeyPairMismatch {
		t.Errorf("expected ErrOpKeyPairMismatch, got %v", err)
	}
}

func TestMemoryKeystore_RevertPendingKeypair(t *testing.T) {
	ks := NewMemoryKeystore()
	pub, err := ks.NewOpKeypairForFabric(FabricIndexInvalid)
	if err != nil {
		t.Fatalf("NewOpKeypairForFabric failed: %v", err)
	}
	var nocPub [RootPublicKeySize]byte
	copy(nocPub[:], pub)
	if err := ks.ActivateOpKeypairForFabric(FabricIndexInvalid, nocPub); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	ks.RevertPendingKeypair()

	if ks.HasPendingOpKeypair(FabricIndexInvalid) {
		t.Error("pending keypair should be gone after revert")
	}
	if err := ks.RetagPendingKeypair(1); err != ErrNoPendingKeypair {
		t.Errorf("expected ErrNoPendingKeypair after revert, got %v", err)
	}
}

func TestMemoryKeystore_RemoveOpKeypairForFabric(t *testing.T) {
	ks := NewMemoryKeystore()
	pub, _ := ks.NewOpKeypairForFabric(3)
	var nocPub [RootPublicKeySize]byte
	copy(nocPub[:], pub)
	_ = ks.ActivateOpKeypairForFabric(3, nocPub)
	_ = ks.CommitOpKeypairForFabric(3)

	if err := ks.RemoveOpKeypairForFabric(3); err != nil {
		t.Fatalf("RemoveOpKeypairForFabric failed: %v", err)
	}
	if ks.HasOpKeypairForFabric(3) {
		t.Error("keypair should be removed")
	}
	if _, err := ks.SignWithStoredOpKey(3, []byte("x")); err != ErrOpKeypairNotFound {
		t.Errorf("expected ErrOpKeypairNotFound, got %v", err)
	}
}

func TestMemoryKeystore_AllocateEphemeralKeypair(t *testing.T) {
	ks := NewMemoryKeystore()
	kp, err := ks.AllocateEphemeralKeypair()
	if err != nil {
		t.Fatalf("AllocateEphemeralKeypair failed: %v", err)
	}
	if len(kp.P256PublicKey()) != RootPublicKeySize {
		t.Errorf("expected a %d-byte public key, got %d", RootPublicKeySize, len(kp.P256PublicKey()))
	}
}

// TestPersistentMemoryKeystore_SurvivesRestart exercises the OpKey/ record
// that spec.md §4.5 requires alongside certificates and metadata: a
// committed operational keypair must still be usable after the keystore
// (and, in a real node, the whole process) is reconstructed from the same
// KVStore, matching the original FabricTable's restart behavior.
func TestPersistentMemoryKeystore_SurvivesRestart(t *testing.T) {
	kv := NewMemoryKVStore()

	ks, err := NewPersistentMemoryKeystore(kv, nil)
	if err != nil {
		t.Fatalf("NewPersistentMemoryKeystore failed: %v", err)
	}

	pub, err := ks.NewOpKeypairForFabric(FabricIndexMin)
	if err != nil {
		t.Fatalf("NewOpKeypairForFabric failed: %v", err)
	}
	var nocPub [RootPublicKeySize]byte
	copy(nocPub[:], pub)

	if err := ks.ActivateOpKeypairForFabric(FabricIndexMin, nocPub); err != nil {
		t.Fatalf("ActivateOpKeypairForFabric failed: %v", err)
	}
	if err := ks.CommitOpKeypairForFabric(FabricIndexMin); err != nil {
		t.Fatalf("CommitOpKeypairForFabric failed: %v", err)
	}

	opKeyBytes, err := kv.Read(recordKey(keyPrefixOpKey, FabricIndexMin))
	if err != nil {
		t.Fatalf("expected an OpKey record in storage, got: %v", err)
	}
	if len(opKeyBytes) != 32 {
		t.Errorf("expected a 32-byte private key scalar, got %d bytes", len(opKeyBytes))
	}

	// Reconstruct the keystore the way NewPersistentTable does after a
	// restart, from the same storage and the committed index list.
	ks2, err := NewPersistentMemoryKeystore(kv, []FabricIndex{FabricIndexMin})
	if err != nil {
		t.Fatalf("NewPersistentMemoryKeystore (restart) failed: %v", err)
	}
	if !ks2.HasOpKeypairForFabric(FabricIndexMin) {
		t.Fatal("expected the operational keypair to survive restart")
	}

	sig, err := ks2.SignWithStoredOpKey(FabricIndexMin, []byte("message"))
	if err != nil {
		t.Fatalf("SignWithStoredOpKey failed after restart: %v", err)
	}
	ok, err := crypto.P256Verify(pub, []byte("message"), sig)
	if err != nil {
		t.Fatalf("P256Verify failed: %v", err)
	}
	if !ok {
		t.Error("expected the post-restart signature to verify against the original public key")
	}

	if err := ks2.RemoveOpKeypairForFabric(FabricIndexMin); err != nil {
		t.Fatalf("RemoveOpKeypairForFabric failed: %v", err)
	}
	if _, err := kv.Read(recordKey(keyPrefixOpKey, FabricIndexMin)); !isNotFound(err) {
		t.Error("expected the OpKey record to be deleted from storage")
	}
}
