package fabric

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mattersec/fabricnode/pkg/crypto"
)

// ErrNoPendingKeypair is returned when an operation requires a pending
// operational keypair that was never allocated.
var ErrNoPendingKeypair = tagged(KindIncorrectState, errors.New("fabric: no pending operational keypair"))

// ErrOpKeypairNotFound is returned when a fabric has no operational keypair
// on file in the keystore.
var ErrOpKeypairNotFound = tagged(KindNotFound, errors.New("fabric: operational keypair not found"))

// Keystore abstracts the operational keypair backend a Table delegates key
// generation and signing to. A single pending key may be allocated at a
// time, mirroring the table's own single-pending-fabric restriction: the CSR
// workflow is "allocate a pending key, get its public key into a CSR sent to
// a CA out-of-band, then either activate it (on commit) or discard it (on
// revert)".
type Keystore interface {
	// NewOpKeypairForFabric allocates a new pending operational keypair for
	// index and returns its raw 65-byte P-256 public key (the "CSR").
	// Returns ErrPendingFabricExists if a pending keypair already exists for
	// a different index.
	NewOpKeypairForFabric(index FabricIndex) ([]byte, error)

	// ActivateOpKeypairForFabric confirms the pending keypair allocated for
	// index matches nocPublicKey (the public key embedded in the now-issued
	// NOC) and marks it active. Returns ErrOpKeyPairMismatch on mismatch.
	ActivateOpKeypairForFabric(index FabricIndex, nocPublicKey [RootPublicKeySize]byte) error

	// CommitOpKeypairForFabric makes the active keypair for index durable,
	// clearing pending state. Safe to call after ActivateOpKeypairForFabric.
	CommitOpKeypairForFabric(index FabricIndex) error

	// RetagPendingKeypair moves the tag of an already-activated pending
	// keypair to newIndex. Used when a keypair was allocated "awaiting the
	// next Add" (tagged FabricIndexInvalid) and the table has since reserved
	// the real FabricIndex for it, immediately before CommitOpKeypairForFabric.
	RetagPendingKeypair(newIndex FabricIndex) error

	// SignWithPendingOpKey signs message with the pending keypair tagged to
	// taggedIndex, whether or not it has been activated yet. Lets a caller
	// that explicitly addresses a reserved pending FabricIndex obtain a
	// signature (e.g. proof-of-possession) before CommitPendingFabricData.
	SignWithPendingOpKey(taggedIndex FabricIndex, message []byte) ([]byte, error)

	// RevertPendingKeypair discards any pending (not yet activated) keypair.
	RevertPendingKeypair()

	// HasPendingOpKeypair reports whether a pending keypair is currently
	// allocated for index.
	HasPendingOpKeypair(index FabricIndex) bool

	// HasOpKeypairForFabric reports whether an activated keypair is on file
	// for index.
	HasOpKeypairForFabric(index FabricIndex) bool

	// RemoveOpKeypairForFabric deletes the keypair on file for index, if any.
	RemoveOpKeypairForFabric(index FabricIndex) error

	// SignWithStoredOpKey signs message with the activated keypair for
	// index using Crypto_Sign (ECDSA-SHA256). Returns ErrOpKeypairNotFound
	// if no keypair is on file.
	SignWithStoredOpKey(index FabricIndex, message []byte) ([]byte, error)

	// AllocateEphemeralKeypair returns a freshly generated keypair for use
	// in a single CASE session establishment (not tied to any fabric index).
	AllocateEphemeralKeypair() (*crypto.P256KeyPair, error)
}

// MemoryKeystore is the default Keystore. Activated keys live in memory;
// when constructed via NewPersistentMemoryKeystore they are additionally
// durable through a KVStore, mirroring how the table's own certificates and
// metadata are persisted (see storage.go's OpKey/ records) and restored on
// the next NewPersistentTable.
type MemoryKeystore struct {
	mu sync.Mutex

	pendingIndex  FabricIndex
	pendingKey    *crypto.P256KeyPair
	pendingActive bool

	keys map[FabricIndex]*crypto.P256KeyPair

	// kv, when non-nil, backs CommitOpKeypairForFabric/RemoveOpKeypairForFabric
	// with a durable OpKey/<index> record holding the raw 32-byte private
	// key scalar.
	kv KVStore
}

// NewMemoryKeystore creates an empty, non-persistent in-memory keystore.
// Keys generated through it do not survive process restart.
func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{
		keys: make(map[FabricIndex]*crypto.P256KeyPair),
	}
}

// NewPersistentMemoryKeystore creates a keystore backed by kv, reloading any
// operational keypairs already durable under an OpKey/ record (spec.md §4.5:
// OpKey[ix] is a persistent record alongside the certificates and metadata).
// indices should be the set of committed fabric indices (the FabricIndexList
// record NewPersistentTable already loaded), so reload only consults the
// handful of indices actually in use rather than scanning the full range.
func NewPersistentMemoryKeystore(kv KVStore, indices []FabricIndex) (*MemoryKeystore, error) {
	k := &MemoryKeystore{
		keys: make(map[FabricIndex]*crypto.P256KeyPair),
		kv:   kv,
	}
	for _, index := range indices {
		data, err := kv.Read(recordKey(keyPrefixOpKey, index))
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, storageErr("read OpKey", err)
		}
		kp, err := crypto.P256KeyPairFromPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("fabric: decode operational key for index %d: %w", index, err)
		}
		k.keys[index] = kp
	}
	return k, nil
}

func (k *MemoryKeystore) NewOpKeypairForFabric(index FabricIndex) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.pendingKey != nil && k.pendingIndex != index {
		return nil, ErrPendingFabricExists
	}

	kp, err := crypto.P256GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("fabric: generate operational keypair: %w", err)
	}

	k.pendingIndex = index
	k.pendingKey = kp
	k.pendingActive = false

	return kp.P256PublicKey(), nil
}

func (k *MemoryKeystore) ActivateOpKeypairForFabric(index FabricIndex, nocPublicKey [RootPublicKeySize]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.pendingKey == nil || k.pendingIndex != index {
		return ErrNoPendingKeypair
	}

	var pub [RootPublicKeySize]byte
	copy(pub[:], k.pendingKey.P256PublicKey())
	if pub != nocPublicKey {
		return ErrOpKeyPairMismatch
	}

	k.pendingActive = true
	return nil
}

func (k *MemoryKeystore) CommitOpKeypairForFabric(index FabricIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.pendingKey == nil || k.pendingIndex != index || !k.pendingActive {
		return ErrNoPendingKeypair
	}

	if k.kv != nil {
		if err := k.kv.Write(recordKey(keyPrefixOpKey, index), k.pendingKey.P256PrivateKey()); err != nil {
			return storageErr("write OpKey", err)
		}
	}

	k.keys[index] = k.pendingKey
	k.pendingKey = nil
	k.pendingActive = false
	k.pendingIndex = FabricIndexInvalid
	return nil
}

func (k *MemoryKeystore) RetagPendingKeypair(newIndex FabricIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.pendingKey == nil || !k.pendingActive {
		return ErrNoPendingKeypair
	}
	k.pendingIndex = newIndex
	return nil
}

func (k *MemoryKeystore) SignWithPendingOpKey(taggedIndex FabricIndex, message []byte) ([]byte, error) {
	k.mu.Lock()
	if k.pendingKey == nil || k.pendingIndex != taggedIndex {
		k.mu.Unlock()
		return nil, ErrNoPendingKeypair
	}
	kp := k.pendingKey
	k.mu.Unlock()
	return crypto.P256Sign(kp, message)
}

func (k *MemoryKeystore) RevertPendingKeypair() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.pendingKey = nil
	k.pendingActive = false
	k.pendingIndex = FabricIndexInvalid
}

func (k *MemoryKeystore) HasPendingOpKeypair(index FabricIndex) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pendingKey != nil && k.pendingIndex == index
}

func (k *MemoryKeystore) HasOpKeypairForFabric(index FabricIndex) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.keys[index]
	return ok
}

func (k *MemoryKeystore) RemoveOpKeypairForFabric(index FabricIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, index)
	if k.kv != nil {
		if err := k.kv.Delete(recordKey(keyPrefixOpKey, index)); err != nil {
			return storageErr("delete OpKey", err)
		}
	}
	if k.pendingIndex == index {
		k.pendingKey = nil
		k.pendingActive = false
		k.pendingIndex = FabricIndexInvalid
	}
	return nil
}

func (k *MemoryKeystore) SignWithStoredOpKey(index FabricIndex, message []byte) ([]byte, error) {
	k.mu.Lock()
	kp, ok := k.keys[index]
	k.mu.Unlock()
	if !ok {
		return nil, ErrOpKeypairNotFound
	}
	return crypto.P256Sign(kp, message)
}

func (k *MemoryKeystore) AllocateEphemeralKeypair() (*crypto.P256KeyPair, error) {
	return crypto.P256GenerateKeyPair()
}

var _ Keystore = (*MemoryKeystore)(nil)

// OpKeyRef records how a fabric's operational private key is held.
//
//   - A key allocated through a Table's own Keystore (AddNewPendingFabricWithKeystore)
//     is "owned": External is false, and the Table signs on the caller's
//     behalf via SignWithOpKeypair.
//   - A key supplied directly by the caller (AddNewPendingFabricWithProvidedOpKey,
//     spec.md's "externally owned operational key") is "external": the Table
//     only retains the public key to cross-check against the NOC and for CASE
//     destination-ID candidate generation; signing is the caller's
//     responsibility.
type OpKeyRef struct {
	External  bool
	PublicKey [RootPublicKeySize]byte
}
