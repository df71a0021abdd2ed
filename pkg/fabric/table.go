package fabric

import (
	"fmt"
	"sync"
	"time"

	"github.com/mattersec/fabricnode/pkg/credentials"
	"github.com/mattersec/fabricnode/pkg/crypto"
	"github.com/pion/logging"
)

// TableConfig configures the fabric table.
type TableConfig struct {
	// MaxFabrics is the maximum number of fabrics supported (SupportedFabrics
	// attribute). Valid range: 5-254. Default: 5.
	MaxFabrics uint8

	// FirmwareBuildTime seeds Last Known Good Time: a device can never
	// legitimately believe wall-clock time precedes when its own firmware
	// was built.
	FirmwareBuildTime time.Time

	// PermitCollidingFabrics seeds the table's collision policy (I4). Can
	// also be turned on later at runtime via PermitCollidingFabrics().
	PermitCollidingFabrics bool

	// Keystore backs operational key generation, activation, and signing.
	// Defaults to a fresh MemoryKeystore when nil.
	Keystore Keystore

	// LoggerFactory creates the table's scoped logger. Nil means logging is
	// a no-op, matching the rest of this module's nil-safe logger fields.
	LoggerFactory logging.LoggerFactory
}

// DefaultTableConfig returns the default table configuration.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		MaxFabrics: DefaultSupportedFabrics,
	}
}

// tableState names the lifecycle state machine's current phase (spec.md §4.2).
type tableState int

const (
	stateIdle tableState = iota
	statePendingRootOnly
	statePendingAdd
	statePendingUpdate
)

func (s tableState) String() string {
	switch s {
	case statePendingRootOnly:
		return "PendingRootOnly"
	case statePendingAdd:
		return "PendingAdd"
	case statePendingUpdate:
		return "PendingUpdate"
	default:
		return "Idle"
	}
}

// Table manages the fabric table: committed entries plus at most one
// pending add/update, under the three-phase pending/commit/revert protocol.
//
// Thread Safety: all methods are safe for concurrent use. The table itself
// runs under a single mutex; the scheduling model this mirrors
// (single-threaded cooperative, spec.md §5) means callers must not re-enter
// the table from within a callback it invokes (e.g. ForEach).
type Table struct {
	mu sync.Mutex

	fabrics map[FabricIndex]*FabricEntry
	config  TableConfig
	kv      KVStore
	keystore Keystore
	log     logging.LeveledLogger

	permitColliding    bool
	nextIndexOverride  FabricIndex
	lkgt               lastKnownGoodTime
	lkgtPreCommit      *uint32 // snapshot of lkgt.value before a pending commit's advance, for Revert
	deletedFromMarker  *FabricIndex

	// externalKeys holds keypairs provided via AddNewPendingFabricWithProvidedOpKey
	// with externallyOwned=true: the table keeps a non-owning reference for
	// signing, but never persists or zeroes the key on Delete/Revert.
	externalKeys map[FabricIndex]*crypto.P256KeyPair

	state tableState

	// PendingRootOnly / PendingAdd staging.
	pendingRootCert []byte

	// PendingAdd / PendingUpdate staging.
	pendingEntry    *FabricEntry
	pendingIsUpdate bool
	pendingPriorICAC []byte // prior ICAC bytes, for Update rollback bookkeeping only
}

// NewTable creates a new in-memory fabric table with the given configuration.
// Fabrics added to a table built this way do not survive process restart;
// use NewPersistentTable for a table backed by durable storage.
func NewTable(config TableConfig) *Table {
	config = clampConfig(config)

	t := &Table{
		fabrics:      make(map[FabricIndex]*FabricEntry),
		config:       config,
		keystore:     config.Keystore,
		permitColliding: config.PermitCollidingFabrics,
		externalKeys: make(map[FabricIndex]*crypto.P256KeyPair),
		lkgt:         initLastKnownGoodTime(0, config.FirmwareBuildTime),
	}
	if t.keystore == nil {
		t.keystore = NewMemoryKeystore()
	}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("fabric")
	}
	return t
}

// NewPersistentTable creates a fabric table backed by kv, replaying any
// commit-marker left from an interrupted Commit and loading every committed
// fabric named in the FabricIndexList record (spec.md §4.5). When config
// leaves Keystore nil, operational keys are themselves made durable through
// kv (OpKey/ records) rather than defaulting to NewTable's plain in-memory
// keystore, so SignWithStoredOpKey keeps working for previously-committed
// fabrics across a restart.
func NewPersistentTable(kv KVStore, config TableConfig) (*Table, error) {
	wantsPersistentKeystore := config.Keystore == nil

	t := NewTable(config)
	t.kv = kv

	if persisted, err := kv.Read(keyLastKnownGoodTime); err == nil {
		if len(persisted) == 4 {
			v := uint32(persisted[0])<<24 | uint32(persisted[1])<<16 | uint32(persisted[2])<<8 | uint32(persisted[3])
			t.lkgt = initLastKnownGoodTime(v, config.FirmwareBuildTime)
		}
	} else if !isNotFound(err) {
		return nil, storageErr("read LastKnownGoodTime", err)
	}

	if err := t.replayCommitMarker(); err != nil {
		return nil, err
	}

	indexListBytes, err := kv.Read(keyFabricIndexList)
	if err != nil && !isNotFound(err) {
		return nil, storageErr("read FabricIndexList", err)
	}
	indices := unmarshalFabricIndexList(indexListBytes)

	if wantsPersistentKeystore {
		keystore, err := NewPersistentMemoryKeystore(kv, indices)
		if err != nil {
			return nil, fmt.Errorf("fabric: load operational keystore at init: %w", err)
		}
		t.keystore = keystore
	}

	for _, idx := range indices {
		entry, err := loadEntry(kv, idx, t.lkgt.asEffectiveTime())
		if err != nil {
			return nil, fmt.Errorf("fabric: load fabric %d at init: %w", idx, err)
		}
		t.fabrics[idx] = entry
	}

	t.logDebug("loaded %d fabrics from storage, LKGT=%d", len(t.fabrics), t.lkgt.value)
	return t, nil
}

func isNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func clampConfig(config TableConfig) TableConfig {
	if config.MaxFabrics < MinSupportedFabrics {
		config.MaxFabrics = MinSupportedFabrics
	}
	if config.MaxFabrics > MaxSupportedFabrics {
		config.MaxFabrics = MaxSupportedFabrics
	}
	return config
}

func (t *Table) logDebug(format string, args ...interface{}) {
	if t.log != nil {
		t.log.Debugf(format, args...)
	}
}

func (t *Table) logWarn(format string, args ...interface{}) {
	if t.log != nil {
		t.log.Warnf(format, args...)
	}
}

func (t *Table) logError(format string, args ...interface{}) {
	if t.log != nil {
		t.log.Errorf(format, args...)
	}
}

// --- §4.2 Lifecycle state machine -----------------------------------------

// AddNewPendingTrustedRootCert stakes out a pending root certificate
// (Idle → PendingRootOnly). Only the NOC path consumes this; PendingUpdate
// never goes through it since the RCAC cannot change on update.
func (t *Table) AddNewPendingTrustedRootCert(rcacTLV []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateIdle {
		return ErrPendingFabricExists
	}
	if _, err := ParseCertificate(rcacTLV); err != nil {
		return err
	}

	t.pendingRootCert = append([]byte(nil), rcacTLV...)
	t.state = statePendingRootOnly
	t.logDebug("pending trusted root certificate staged")
	return nil
}

// AddNewPendingFabricWithKeystore validates noc/icac against the pending
// root, cross-checks the NOC's public key against the keystore's pending
// ("awaiting add") keypair, reserves the next FabricIndex, and stages the
// composed pending entry (PendingRootOnly → PendingAdd).
func (t *Table) AddNewPendingFabricWithKeystore(nocTLV, icacTLV []byte, vendorID VendorID, ipk [IPKSize]byte) (FabricIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != statePendingRootOnly {
		return FabricIndexInvalid, ErrIncorrectState
	}

	entry, err := t.stageAddEntry(nocTLV, icacTLV, vendorID, ipk)
	if err != nil {
		return FabricIndexInvalid, err
	}

	nocPub, err := nocPublicKey(nocTLV)
	if err != nil {
		return FabricIndexInvalid, err
	}
	if err := t.keystore.ActivateOpKeypairForFabric(FabricIndexInvalid, nocPub); err != nil {
		return FabricIndexInvalid, err
	}

	index, err := t.reserveNextIndex()
	if err != nil {
		t.keystore.RevertPendingKeypair()
		return FabricIndexInvalid, err
	}

	entry.FabricIndex = index
	entry.OpKeyRef = OpKeyRef{External: false, PublicKey: nocPub}

	t.pendingEntry = entry
	t.pendingIsUpdate = false
	t.state = statePendingAdd

	t.logDebug("pending add staged for reserved index %d", index)
	return index, nil
}

// AddNewPendingFabricWithProvidedOpKey validates noc/icac against the
// pending root using a caller-supplied keypair rather than the table's
// keystore. When externallyOwned is true the table keeps only a
// non-owning reference: Delete/Revert drop it without zeroing the key.
func (t *Table) AddNewPendingFabricWithProvidedOpKey(nocTLV, icacTLV []byte, vendorID VendorID, ipk [IPKSize]byte, opKey *crypto.P256KeyPair, externallyOwned bool) (FabricIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != statePendingRootOnly {
		return FabricIndexInvalid, ErrIncorrectState
	}
	if opKey == nil {
		return FabricIndexInvalid, tagged(KindInvalidArgument, fmt.Errorf("fabric: provided operational key is nil"))
	}

	entry, err := t.stageAddEntry(nocTLV, icacTLV, vendorID, ipk)
	if err != nil {
		return FabricIndexInvalid, err
	}

	nocPub, err := nocPublicKey(nocTLV)
	if err != nil {
		return FabricIndexInvalid, err
	}
	var providedPub [RootPublicKeySize]byte
	copy(providedPub[:], opKey.P256PublicKey())
	if providedPub != nocPub {
		return FabricIndexInvalid, ErrOpKeyPairMismatch
	}

	index, err := t.reserveNextIndex()
	if err != nil {
		return FabricIndexInvalid, err
	}

	entry.FabricIndex = index
	entry.OpKeyRef = OpKeyRef{External: true, PublicKey: nocPub}
	t.externalKeys[index] = opKey
	_ = externallyOwned // the distinction governs zeroing, not tracking; both paths are non-owning here

	t.pendingEntry = entry
	t.pendingIsUpdate = false
	t.state = statePendingAdd

	t.logDebug("pending add (provided op key) staged for reserved index %d", index)
	return index, nil
}

// stageAddEntry runs the shared Add validation (spec.md §4.2 steps 1-2, 4):
// parse+verify the chain against the pending root, enforce I4.
func (t *Table) stageAddEntry(nocTLV, icacTLV []byte, vendorID VendorID, ipk [IPKSize]byte) (*FabricEntry, error) {
	if len(t.pendingRootCert) == 0 {
		return nil, ErrNoPendingRoot
	}

	entry, err := newFabricEntry(FabricIndexInvalid, t.pendingRootCert, nocTLV, icacTLV, vendorID, ipk, t.lkgt.asEffectiveTime())
	if err != nil {
		return nil, err
	}

	if !t.permitColliding {
		for idx, existing := range t.fabrics {
			if existing.MatchesRootPublicKey(entry.RootPublicKey) && existing.FabricID == entry.FabricID {
				return nil, fmt.Errorf("%w: conflicts with index %d", ErrFabricExists, idx)
			}
		}
	}

	return entry, nil
}

// UpdatePendingFabricWithKeystore attaches replacement NOC/ICAC certificates
// to an existing committed FabricIndex (Idle → PendingUpdate). The RCAC
// cannot change; root rotation requires Delete + Add. The new FabricId and
// root public key must equal the existing entry's; NodeId may change.
func (t *Table) UpdatePendingFabricWithKeystore(index FabricIndex, nocTLV, icacTLV []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateIdle {
		return ErrIncorrectState
	}

	existing, ok := t.fabrics[index]
	if !ok {
		return ErrFabricNotFound
	}

	if !t.keystore.HasPendingOpKeypair(index) {
		return tagged(KindIncorrectState, fmt.Errorf("fabric: update requires a pending operational key tagged to index %d", index))
	}

	newEntry, err := newFabricEntry(index, existing.RootCert, nocTLV, icacTLV, existing.VendorID, existing.IPK, t.lkgt.asEffectiveTime())
	if err != nil {
		return err
	}
	if newEntry.FabricID != existing.FabricID {
		return tagged(KindInvalidArgument, fmt.Errorf("fabric: update NOC fabric ID 0x%X does not match existing 0x%X", newEntry.FabricID, existing.FabricID))
	}
	if newEntry.RootPublicKey != existing.RootPublicKey {
		return tagged(KindInvalidArgument, fmt.Errorf("fabric: update NOC root public key does not match existing entry"))
	}

	nocPub, err := nocPublicKey(nocTLV)
	if err != nil {
		return err
	}
	if err := t.keystore.ActivateOpKeypairForFabric(index, nocPub); err != nil {
		return err
	}

	newEntry.Label = existing.Label
	newEntry.AdvertiseIdentity = existing.AdvertiseIdentity
	newEntry.OpKeyRef = OpKeyRef{External: false, PublicKey: nocPub}

	t.pendingEntry = newEntry
	t.pendingIsUpdate = true
	t.pendingPriorICAC = existing.ICAC
	t.state = statePendingUpdate

	t.logDebug("pending update staged for index %d", index)
	return nil
}

// CommitPendingFabricData atomically persists the pending entry and makes
// it visible under its final FabricIndex, per the commit-marker protocol
// (spec.md §4.2, §4.5).
func (t *Table) CommitPendingFabricData() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case statePendingAdd:
		return t.commitAdd()
	case statePendingUpdate:
		return t.commitUpdate()
	case statePendingRootOnly:
		return ErrNoPendingFabric
	default:
		return ErrIncorrectState
	}
}

func (t *Table) commitAdd() error {
	entry := t.pendingEntry
	index := entry.FabricIndex

	if !entry.OpKeyRef.External {
		if err := t.keystore.RetagPendingKeypair(index); err != nil {
			return err
		}
		if err := t.keystore.CommitOpKeypairForFabric(index); err != nil {
			return err
		}
	}

	if err := t.persistCommit(entry, nil); err != nil {
		if !entry.OpKeyRef.External {
			_ = t.keystore.RemoveOpKeypairForFabric(index)
		}
		return err
	}

	t.fabrics[index] = entry
	t.lkgt.advanceForCommit(t.certsOf(entry)...)
	t.clearPendingState()
	t.logDebug("committed fabric add at index %d (fabricID=0x%X)", index, uint64(entry.FabricID))
	return nil
}

func (t *Table) commitUpdate() error {
	entry := t.pendingEntry
	index := entry.FabricIndex

	if err := t.keystore.CommitOpKeypairForFabric(index); err != nil {
		return err
	}

	if err := t.persistCommit(entry, t.pendingPriorICAC); err != nil {
		return err
	}

	t.fabrics[index] = entry
	t.lkgt.advanceForCommit(t.certsOf(entry)...)
	t.clearPendingState()
	t.logDebug("committed fabric update at index %d", index)
	return nil
}

// persistCommit runs the commit-marker protocol: write the operational key
// record (already durable via the keystore), certificates, and metadata;
// write the commit marker; write the updated FabricIndexList; delete the
// marker and any now-orphaned record (e.g. a dropped ICAC on update).
func (t *Table) persistCommit(entry *FabricEntry, priorICAC []byte) error {
	if t.kv == nil {
		return nil
	}

	if err := persistEntry(t.kv, entry); err != nil {
		return err
	}

	if err := t.kv.Write(keyCommitMarker, []byte{byte(entry.FabricIndex)}); err != nil {
		return storageErr("write CommitMarker", err)
	}

	indices := t.committedIndicesLocked()
	if !containsIndex(indices, entry.FabricIndex) {
		indices = append(indices, entry.FabricIndex)
	}
	if err := t.kv.Write(keyFabricIndexList, marshalFabricIndexList(indices)); err != nil {
		return storageErr("write FabricIndexList", err)
	}

	if priorICAC != nil && !entry.HasICAC() {
		_ = t.kv.Delete(recordKey(keyPrefixICAC, entry.FabricIndex))
	}

	if err := t.kv.Delete(keyCommitMarker); err != nil {
		return storageErr("delete CommitMarker", err)
	}

	t.persistLastKnownGoodTimeLocked(entry)
	return nil
}

func (t *Table) persistLastKnownGoodTimeLocked(entry *FabricEntry) {
	if t.kv == nil {
		return
	}
	preview := t.lkgt
	preview.advanceForCommit(t.certsOf(entry)...)
	if preview.value == t.lkgt.value {
		return
	}
	v := preview.value
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	if err := t.kv.Write(keyLastKnownGoodTime, b); err != nil {
		t.logError("failed to persist LastKnownGoodTime: %v", err)
	}
}

// certsOf parses entry's certificate chain for Last Known Good Time
// bookkeeping. Parse failures are skipped rather than propagated: the chain
// was already validated when the entry was created, so a failure here would
// only happen for a freshly-corrupted in-memory buffer, and LKGT advancement
// degrading gracefully beats failing a commit that has already succeeded.
func (t *Table) certsOf(entry *FabricEntry) []*credentials.Certificate {
	var certs []*credentials.Certificate
	if c, err := ParseCertificate(entry.RootCert); err == nil {
		certs = append(certs, c)
	}
	if entry.HasICAC() {
		if c, err := ParseCertificate(entry.ICAC); err == nil {
			certs = append(certs, c)
		}
	}
	if c, err := ParseCertificate(entry.NOC); err == nil {
		certs = append(certs, c)
	}
	return certs
}

// RevertPendingFabricData discards all pending state: any eagerly-persisted
// pending key, any staged certificate records, and the reserved index.
// Last Known Good Time reverts to whatever persistent storage still holds,
// since the pending phase never wrote it durably.
func (t *Table) RevertPendingFabricData() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateIdle:
		return ErrNoPendingFabric
	case statePendingRootOnly:
		t.pendingRootCert = nil
		t.state = stateIdle
		return nil
	}

	if t.pendingEntry != nil && !t.pendingEntry.OpKeyRef.External {
		t.keystore.RevertPendingKeypair()
	}
	if t.pendingEntry != nil && t.pendingEntry.OpKeyRef.External && !t.pendingIsUpdate {
		delete(t.externalKeys, t.pendingEntry.FabricIndex)
	}

	if t.kv != nil && t.pendingEntry != nil && !t.pendingIsUpdate {
		deleteEntry(t.kv, t.pendingEntry.FabricIndex)
	}

	t.logDebug("reverted pending %s", t.state)
	t.clearPendingState()
	return nil
}

func (t *Table) clearPendingState() {
	t.pendingRootCert = nil
	t.pendingEntry = nil
	t.pendingIsUpdate = false
	t.pendingPriorICAC = nil
	t.state = stateIdle
}

// --- §4.5 Commit-marker crash recovery -------------------------------------

// replayCommitMarker implements the init-time recovery rule from spec.md
// §4.2/§4.5: a commit marker found at init means the commit it names never
// reached the point of updating FabricIndexList, so it did not complete —
// every record at that index is rolled back and reported via
// GetDeletedFabricFromCommitMarker, regardless of how complete those records
// look. The only non-rollback case is the marker's index already appearing
// in FabricIndexList, meaning the crash happened after the index list write
// and only the marker delete was lost.
func (t *Table) replayCommitMarker() error {
	markerBytes, err := t.kv.Read(keyCommitMarker)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return storageErr("read CommitMarker", err)
	}
	if len(markerBytes) != 1 {
		return storageErr("read CommitMarker", fmt.Errorf("fabric: malformed commit marker"))
	}
	index := FabricIndex(markerBytes[0])

	indexListBytes, err := t.kv.Read(keyFabricIndexList)
	if err != nil && !isNotFound(err) {
		return storageErr("read FabricIndexList", err)
	}
	indices := unmarshalFabricIndexList(indexListBytes)

	if containsIndex(indices, index) {
		if err := t.kv.Delete(keyCommitMarker); err != nil {
			return storageErr("delete CommitMarker", err)
		}
		t.logWarn("recovered in-flight commit for fabric index %d (index list already updated)", index)
		return nil
	}

	deleteEntry(t.kv, index)
	if err := t.kv.Delete(keyCommitMarker); err != nil {
		return storageErr("delete CommitMarker", err)
	}
	t.deletedFromMarker = &index
	t.logWarn("rolled back partial commit for fabric index %d", index)
	return nil
}

func containsIndex(indices []FabricIndex, target FabricIndex) bool {
	for _, idx := range indices {
		if idx == target {
			return true
		}
	}
	return false
}

// GetDeletedFabricFromCommitMarker returns the FabricIndex that was rolled
// back during the most recent NewPersistentTable's recovery, consumed
// exactly once: the second call (without an intervening crash) returns
// (FabricIndexInvalid, false).
func (t *Table) GetDeletedFabricFromCommitMarker() (FabricIndex, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deletedFromMarker == nil {
		return FabricIndexInvalid, false
	}
	idx := *t.deletedFromMarker
	return idx, true
}

// ClearCommitMarker acknowledges consumption of the value returned by
// GetDeletedFabricFromCommitMarker, so a later call reports nothing.
func (t *Table) ClearCommitMarker() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletedFromMarker = nil
}

// --- §4.6 Last Known Good Time ---------------------------------------------

// LastKnownGoodTime returns the table's current Last Known Good Time.
func (t *Table) LastKnownGoodTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lkgt.asTime()
}

// SetLastKnownGoodChipEpochTime accepts t iff it is not earlier than the
// current floor, the configured firmware build time, and every committed
// certificate's NotBefore (spec.md §4.6, §8).
func (t *Table) SetLastKnownGoodChipEpochTime(when time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	epoch := matterEpochFromTime(when)
	buildEpoch := matterEpochFromTime(t.config.FirmwareBuildTime)
	if epoch < buildEpoch {
		return ErrLastKnownGoodTimeRegression
	}
	for _, entry := range t.fabrics {
		for _, c := range t.certsOf(entry) {
			if epoch < c.NotBefore {
				return ErrLastKnownGoodTimeRegression
			}
		}
	}

	if err := t.lkgt.set(when); err != nil {
		return err
	}
	if t.kv != nil {
		v := t.lkgt.value
		b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
		if err := t.kv.Write(keyLastKnownGoodTime, b); err != nil {
			return storageErr("write LastKnownGoodTime", err)
		}
	}
	return nil
}

// --- §4.1 Fabric Entry and Table lookups -----------------------------------

// FabricCount returns the number of committed entries.
func (t *Table) FabricCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fabrics)
}

// Count is an alias of FabricCount kept for compatibility with the table's
// original map-based API.
func (t *Table) Count() int { return t.FabricCount() }

// SupportedFabrics returns the maximum number of supported fabrics.
func (t *Table) SupportedFabrics() uint8 {
	return t.config.MaxFabrics
}

// FindFabricWithIndex returns the entry at index: the committed entry, or
// the pending entry if index equals the pending reserved/shadowed index.
func (t *Table) FindFabricWithIndex(index FabricIndex) (*FabricEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findLocked(index)
}

func (t *Table) findLocked(index FabricIndex) (*FabricEntry, bool) {
	if t.pendingEntry != nil && t.pendingEntry.FabricIndex == index {
		return t.pendingEntry.Clone(), true
	}
	if entry, ok := t.fabrics[index]; ok {
		return entry.Clone(), true
	}
	return nil, false
}

// FindFabric returns the entry matching (rootPubKey, fabricID).
func (t *Table) FindFabric(rootPubKey [RootPublicKeySize]byte, fabricID FabricID) (*FabricEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.iterationViewLocked() {
		if entry.MatchesRootPublicKey(rootPubKey) && entry.FabricID == fabricID {
			return entry, true
		}
	}
	return nil, false
}

// FindIdentity returns the entry matching (rootPubKey, fabricID, nodeID).
func (t *Table) FindIdentity(rootPubKey [RootPublicKeySize]byte, fabricID FabricID, nodeID NodeID) (*FabricEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.iterationViewLocked() {
		if entry.MatchesRootPublicKey(rootPubKey) && entry.FabricID == fabricID && entry.NodeID == nodeID {
			return entry, true
		}
	}
	return nil, false
}

// FindDestinationIDCandidate iterates committed (and any pending-add)
// entries, returning the FabricIndex of the first whose destination-ID
// computation (with any of ipkList) matches destinationID.
func (t *Table) FindDestinationIDCandidate(destinationID [DestinationIDSize]byte, initiatorRandom [RandomSize]byte, ipkList [][IPKSize]byte) (FabricIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.iterationViewLocked() {
		if matchesDestinationID(entry, destinationID, initiatorRandom, ipkList) {
			return entry.FabricIndex, nil
		}
	}
	return FabricIndexInvalid, ErrDestinationIDNotFound
}

// iterationViewLocked yields committed entries plus the pending projection,
// ascending by FabricIndex, per spec.md §4.1's iterator semantics: a pending
// add appears in addition to committed entries, a pending update shadows
// (replaces) its underlying committed entry.
func (t *Table) iterationViewLocked() []*FabricEntry {
	out := make([]*FabricEntry, 0, len(t.fabrics)+1)
	for idx, entry := range t.fabrics {
		if t.pendingEntry != nil && t.pendingIsUpdate && t.pendingEntry.FabricIndex == idx {
			continue
		}
		out = append(out, entry)
	}
	if t.pendingEntry != nil {
		out = append(out, t.pendingEntry)
	}
	sortByIndex(out)
	return out
}

func sortByIndex(entries []*FabricEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].FabricIndex > entries[j].FabricIndex; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// ForEach iterates the committed-plus-pending view in FabricIndex order. If
// fn returns an error, iteration stops and that error is returned.
//
// Kept with this name/signature (rather than e.g. Iterate) so existing
// callers written against the teacher's original map-based Table continue
// to compile unchanged.
func (t *Table) ForEach(fn func(*FabricInfo) error) error {
	t.mu.Lock()
	view := t.iterationViewLocked()
	t.mu.Unlock()

	for _, entry := range view {
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// List returns every entry in the committed-plus-pending view.
func (t *Table) List() []*FabricEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iterationViewLocked()
}

// --- Field-level CASE-facing reads -----------------------------------------

// FetchRootCert returns the RCAC bytes for index.
func (t *Table) FetchRootCert(index FabricIndex) ([]byte, error) {
	entry, err := t.mustFind(index)
	if err != nil {
		return nil, err
	}
	return cloneBytes(entry.RootCert), nil
}

// FetchNOCCert returns the NOC bytes for index.
func (t *Table) FetchNOCCert(index FabricIndex) ([]byte, error) {
	entry, err := t.mustFind(index)
	if err != nil {
		return nil, err
	}
	return cloneBytes(entry.NOC), nil
}

// FetchICACert returns the ICAC bytes for index, or ErrFabricNotFound's
// sibling ErrNotFound-kind error if the fabric has no ICAC.
func (t *Table) FetchICACert(index FabricIndex) ([]byte, error) {
	entry, err := t.mustFind(index)
	if err != nil {
		return nil, err
	}
	if !entry.HasICAC() {
		return nil, tagged(KindNotFound, fmt.Errorf("fabric: index %d has no ICAC", index))
	}
	return cloneBytes(entry.ICAC), nil
}

// FetchRootPubkey returns the 65-byte root public key for index.
func (t *Table) FetchRootPubkey(index FabricIndex) ([RootPublicKeySize]byte, error) {
	entry, err := t.mustFind(index)
	if err != nil {
		return [RootPublicKeySize]byte{}, err
	}
	return entry.RootPublicKey, nil
}

// FetchCATs returns the CASE Authenticated Tags for index.
func (t *Table) FetchCATs(index FabricIndex) ([]uint32, error) {
	entry, err := t.mustFind(index)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(entry.CATs))
	copy(out, entry.CATs)
	return out, nil
}

func (t *Table) mustFind(index FabricIndex) (*FabricEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.findLocked(index)
	if !ok {
		return nil, ErrFabricNotFound
	}
	return entry, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// --- §4.4 Signing -----------------------------------------------------------

// SignWithOpKeypair signs message with the operational key for index. For a
// reserved pending-add index, the caller must address that exact index
// explicitly; signing dispatches to the keystore's pending (not yet
// committed) key or, for a provided key, the externally-owned reference.
func (t *Table) SignWithOpKeypair(index FabricIndex, message []byte) ([]byte, error) {
	t.mu.Lock()
	entry, ok := t.findLocked(index)
	isPending := t.pendingEntry != nil && t.pendingEntry.FabricIndex == index
	t.mu.Unlock()

	if !ok {
		return nil, ErrFabricNotFound
	}

	if entry.OpKeyRef.External {
		t.mu.Lock()
		kp, ok := t.externalKeys[index]
		t.mu.Unlock()
		if !ok {
			return nil, ErrMissingOperationalKey
		}
		return crypto.P256Sign(kp, message)
	}

	if isPending {
		return t.keystore.SignWithPendingOpKey(index, message)
	}
	return t.keystore.SignWithStoredOpKey(index, message)
}

// AllocatePendingOperationalKey generates a fresh operational keypair in
// the table's keystore and returns its public key (the "CSR"). When
// forUpdateIndex is non-nil the key is tagged to that existing FabricIndex
// (Update path); otherwise it is tagged "awaiting the next Add".
func (t *Table) AllocatePendingOperationalKey(forUpdateIndex *FabricIndex) ([]byte, error) {
	tag := FabricIndexInvalid
	if forUpdateIndex != nil {
		tag = *forUpdateIndex
	}
	return t.keystore.NewOpKeypairForFabric(tag)
}

// AllocateEphemeralKeypairForCASE returns a short-lived P-256 keypair
// unrelated to any fabric, for use in a single CASE session's ECDH. Works
// even when the table holds zero fabrics.
func (t *Table) AllocateEphemeralKeypairForCASE() (*crypto.P256KeyPair, error) {
	return t.keystore.AllocateEphemeralKeypair()
}

// --- Index allocation, labels, deletion ------------------------------------

// PeekFabricIndexForNextAddition reports the FabricIndex the next Add would
// reserve, without consuming it: the smallest positive integer not
// currently occupied by a committed or reserved-pending entry.
func (t *Table) PeekFabricIndexForNextAddition() (FabricIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peekNextIndexLocked()
}

func (t *Table) peekNextIndexLocked() (FabricIndex, error) {
	if t.nextIndexOverride != FabricIndexInvalid && !t.isOccupiedLocked(t.nextIndexOverride) {
		return t.nextIndexOverride, nil
	}
	if len(t.fabrics) >= int(t.config.MaxFabrics) {
		return FabricIndexInvalid, ErrTableFull
	}
	for idx := FabricIndexMin; idx <= FabricIndexMax; idx++ {
		if !t.isOccupiedLocked(idx) {
			return idx, nil
		}
	}
	return FabricIndexInvalid, ErrNoAvailableFabricIndex
}

func (t *Table) isOccupiedLocked(idx FabricIndex) bool {
	if _, ok := t.fabrics[idx]; ok {
		return true
	}
	if t.pendingEntry != nil && t.pendingEntry.FabricIndex == idx && !t.pendingIsUpdate {
		return true
	}
	return false
}

func (t *Table) reserveNextIndex() (FabricIndex, error) {
	if len(t.fabrics) >= int(t.config.MaxFabrics) {
		return FabricIndexInvalid, ErrTableFull
	}
	return t.peekNextIndexLocked()
}

// SetFabricIndexForNextAddition pins the next Add's reserved index. Fails
// with IncorrectState if a pending operation is outstanding (open question
// resolution, spec.md §9), FabricExists if index is already occupied, and
// InvalidArgument if index is zero.
func (t *Table) SetFabricIndexForNextAddition(index FabricIndex) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateIdle {
		return ErrIncorrectState
	}
	if index == FabricIndexInvalid {
		return tagged(KindInvalidArgument, fmt.Errorf("fabric: fabric index 0 is reserved"))
	}
	if t.isOccupiedLocked(index) {
		return ErrFabricExists
	}
	t.nextIndexOverride = index
	return nil
}

// PermitCollidingFabrics turns on the I4 collision-exception mode: after
// this call, Add no longer rejects a second committed entry sharing
// (RootPublicKey, FabricID) with an existing one.
func (t *Table) PermitCollidingFabrics() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.permitColliding = true
}

// UpdateLabel sets the label for index, immediately (no pending phase):
// label and advertise-identity mutations are not subject to the
// pending/commit protocol per spec.md §3.
func (t *Table) UpdateLabel(index FabricIndex, label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.fabrics[index]
	if !ok {
		return ErrFabricNotFound
	}
	if label != "" {
		for idx, other := range t.fabrics {
			if idx != index && other.Label == label {
				return ErrLabelConflict
			}
		}
	}
	if err := entry.SetLabel(label); err != nil {
		return err
	}
	if t.kv != nil {
		if err := persistEntry(t.kv, entry); err != nil {
			return err
		}
	}
	return nil
}

// SetAdvertiseIdentity sets the AdvertiseIdentity flag for index, immediately.
func (t *Table) SetAdvertiseIdentity(index FabricIndex, advertise bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.fabrics[index]
	if !ok {
		return ErrFabricNotFound
	}
	entry.AdvertiseIdentity = advertise
	if t.kv != nil {
		if err := persistEntry(t.kv, entry); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes all persisted records for index and releases its key (if
// internally managed). Never touches a differently-indexed pending entry.
func (t *Table) Delete(index FabricIndex) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.fabrics[index]
	if !ok {
		return ErrFabricNotFound
	}

	delete(t.fabrics, index)
	delete(t.externalKeys, index)
	if !entry.OpKeyRef.External {
		_ = t.keystore.RemoveOpKeypairForFabric(index)
	}

	if t.kv != nil {
		deleteEntry(t.kv, index)
		indices := t.committedIndicesLocked()
		if err := t.kv.Write(keyFabricIndexList, marshalFabricIndexList(indices)); err != nil {
			return storageErr("write FabricIndexList", err)
		}
	}

	t.logDebug("deleted fabric at index %d", index)
	return nil
}

func (t *Table) committedIndicesLocked() []FabricIndex {
	out := make([]FabricIndex, 0, len(t.fabrics))
	for idx := range t.fabrics {
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Clear removes all committed fabrics and releases their keys (factory reset).
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, entry := range t.fabrics {
		if !entry.OpKeyRef.External {
			_ = t.keystore.RemoveOpKeypairForFabric(idx)
		}
	}
	t.fabrics = make(map[FabricIndex]*FabricEntry)
	t.externalKeys = make(map[FabricIndex]*crypto.P256KeyPair)
	if t.kv != nil {
		_ = t.kv.Delete(keyFabricIndexList)
	}
}

// --- Attribute-shaped accessors (Operational Credentials Cluster backing) -

// GetNOCsList returns the NOCs attribute value.
func (t *Table) GetNOCsList() []NOCStruct {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]NOCStruct, 0, len(t.fabrics))
	for _, entry := range t.fabrics {
		result = append(result, entry.GetNOCStruct())
	}
	return result
}

// GetFabricsList returns the Fabrics attribute value.
func (t *Table) GetFabricsList() []FabricDescriptorStruct {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]FabricDescriptorStruct, 0, len(t.fabrics))
	for _, entry := range t.fabrics {
		result = append(result, entry.GetFabricDescriptor())
	}
	return result
}

// GetTrustedRootCertificates returns the TrustedRootCertificates attribute value.
func (t *Table) GetTrustedRootCertificates() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([][]byte, 0, len(t.fabrics))
	for _, entry := range t.fabrics {
		result = append(result, cloneBytes(entry.RootCert))
	}
	return result
}

// String returns a summary of the fabric table.
func (t *Table) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("FabricTable{Count=%d, Max=%d, State=%s}", len(t.fabrics), t.config.MaxFabrics, t.state)
}

func nocPublicKey(nocTLV []byte) ([RootPublicKeySize]byte, error) {
	var pub [RootPublicKeySize]byte
	cert, err := ParseCertificate(nocTLV)
	if err != nil {
		return pub, err
	}
	if len(cert.ECPubKey) != RootPublicKeySize {
		return pub, fmt.Errorf("%w: NOC public key size %d", ErrInvalidCertificate, len(cert.ECPubKey))
	}
	copy(pub[:], cert.ECPubKey)
	return pub, nil
}
