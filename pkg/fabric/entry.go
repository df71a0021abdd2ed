package fabric

import (
	"errors"
	"fmt"
)

// FabricEntry errors.
var (
	// ErrInvalidIPK is returned when the IPK has invalid length.
	ErrInvalidIPK = tagged(KindInvalidArgument, errors.New("fabric: invalid IPK length"))
	// ErrInvalidLabel is returned when the label exceeds max length.
	ErrInvalidLabel = tagged(KindInvalidArgument, errors.New("fabric: label exceeds maximum length"))
)

// FabricEntry stores the internal representation of a fabric membership.
// This is the runtime storage structure, not the wire format.
//
// FabricEntry is created when a node is committed into a fabric via the
// pending/commit lifecycle (AddNewPendingFabricWithKeystore or
// AddNewPendingFabricWithProvidedOpKey followed by CommitPendingFabricData).
// It stores all the credentials and metadata needed for operational
// communication.
//
// FabricInfo is a type alias for FabricEntry, kept so existing CASE session
// and commissioning call sites that were written against the older name
// continue to compile unchanged.
type FabricEntry struct {
	// FabricIndex is the local 8-bit index for this fabric (1-254).
	FabricIndex FabricIndex

	// FabricID is the 64-bit fabric identifier extracted from the NOC.
	FabricID FabricID

	// NodeID is the 64-bit node identifier extracted from the NOC.
	NodeID NodeID

	// VendorID is the admin vendor ID provided in the AddNOC command.
	VendorID VendorID

	// Label is a user-assigned label for this fabric (max 32 UTF-8 bytes).
	Label string

	// AdvertiseIdentity controls whether this fabric's identity is exposed
	// in commissionable/operational DNS-SD advertisements.
	AdvertiseIdentity bool

	// RootCert is the Root CA Certificate (RCAC) in Matter TLV encoding.
	RootCert []byte

	// NOC is the Node Operational Certificate in Matter TLV encoding.
	NOC []byte

	// ICAC is the Intermediate CA Certificate (optional) in Matter TLV encoding.
	// Nil if no ICAC is present in the chain.
	ICAC []byte

	// RootPublicKey is the 65-byte uncompressed public key from the RCAC.
	RootPublicKey [RootPublicKeySize]byte

	// CompressedFabricID is the pre-computed 8-byte compressed fabric ID.
	// Used for DNS-SD operational discovery.
	CompressedFabricID [CompressedFabricIDSize]byte

	// IPK is the Identity Protection Key epoch key (16 bytes).
	// This is Group Key Set 0, provided in the AddNOC command.
	IPK [IPKSize]byte

	// OpKeyRef records how the operational private key for this fabric is
	// held (table-owned keystore vs. caller-provided). Zero value means
	// table-owned.
	OpKeyRef OpKeyRef

	// CATs holds the CASE Authenticated Tags extracted from the NOC
	// subject, cached for cheap authorization checks.
	CATs []uint32
}

// FabricInfo is the pre-existing name for FabricEntry, kept for source
// compatibility with callers that only read/compare fields.
type FabricInfo = FabricEntry

// newFabricEntry builds a FabricEntry from a validated certificate chain.
// effectiveTime gates certificate NotBefore/NotAfter checks (Last Known Good
// Time, spec.md §4.6); the table is responsible for supplying it.
func newFabricEntry(
	index FabricIndex,
	rootCert, noc, icac []byte,
	vendorID VendorID,
	ipk [IPKSize]byte,
	effectiveTime int64,
) (*FabricEntry, error) {
	if !index.IsValid() {
		return nil, tagged(KindInvalidArgument, fmt.Errorf("fabric: invalid fabric index: %d", index))
	}

	if err := VerifyCredentials(rootCert, noc, icac, effectiveTime); err != nil {
		return nil, fmt.Errorf("fabric: certificate chain validation failed: %w", err)
	}

	chainInfo, err := ExtractChainInfo(rootCert, noc)
	if err != nil {
		return nil, fmt.Errorf("fabric: failed to extract chain info: %w", err)
	}

	compressedID, err := CompressedFabricIDFromCert(chainInfo.RootPublicKey, chainInfo.FabricID)
	if err != nil {
		return nil, fmt.Errorf("fabric: failed to compute compressed fabric ID: %w", err)
	}

	entry := &FabricEntry{
		FabricIndex:        index,
		FabricID:           chainInfo.FabricID,
		NodeID:             chainInfo.NodeID,
		VendorID:           vendorID,
		RootCert:           make([]byte, len(rootCert)),
		NOC:                make([]byte, len(noc)),
		RootPublicKey:      chainInfo.RootPublicKey,
		CompressedFabricID: compressedID,
		IPK:                ipk,
		CATs:               chainInfo.NOCCATs,
	}

	copy(entry.RootCert, rootCert)
	copy(entry.NOC, noc)

	if icac != nil {
		entry.ICAC = make([]byte, len(icac))
		copy(entry.ICAC, icac)
	}

	return entry, nil
}

// NewFabricInfo creates a FabricEntry from the provided certificates and
// parameters without an effective-time check (NotBefore/NotAfter are not
// enforced). Prefer driving fabric creation through a Table, which supplies
// Last Known Good Time as the effective time automatically; this
// constructor remains for callers validating a chain in isolation.
func NewFabricInfo(
	index FabricIndex,
	rootCert, noc, icac []byte,
	vendorID VendorID,
	ipk [IPKSize]byte,
) (*FabricEntry, error) {
	return newFabricEntry(index, rootCert, noc, icac, vendorID, ipk, 0)
}

// HasICAC returns true if this fabric has an intermediate CA certificate.
func (f *FabricEntry) HasICAC() bool {
	return len(f.ICAC) > 0
}

// SetLabel sets the fabric label. Returns error if label exceeds max length.
func (f *FabricEntry) SetLabel(label string) error {
	if len(label) > MaxLabelSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidLabel, len(label), MaxLabelSize)
	}
	f.Label = label
	return nil
}

// GetNOCStruct returns the NOCStruct wire format for this fabric.
func (f *FabricEntry) GetNOCStruct() NOCStruct {
	return NOCStruct{
		NOC:  f.NOC,
		ICAC: f.ICAC,
	}
}

// GetFabricDescriptor returns the FabricDescriptorStruct wire format for this fabric.
func (f *FabricEntry) GetFabricDescriptor() FabricDescriptorStruct {
	return FabricDescriptorStruct{
		RootPublicKey: f.RootPublicKey,
		VendorID:      f.VendorID,
		FabricID:      f.FabricID,
		NodeID:        f.NodeID,
		Label:         f.Label,
	}
}

// MatchesRootPublicKey returns true if this fabric's root public key matches.
func (f *FabricEntry) MatchesRootPublicKey(key [RootPublicKeySize]byte) bool {
	return f.RootPublicKey == key
}

// MatchesCompressedFabricID returns true if this fabric's compressed ID matches.
func (f *FabricEntry) MatchesCompressedFabricID(cfid [CompressedFabricIDSize]byte) bool {
	return f.CompressedFabricID == cfid
}

// String returns a human-readable representation of the fabric entry.
func (f *FabricEntry) String() string {
	icacStatus := "no"
	if f.HasICAC() {
		icacStatus = "yes"
	}
	return fmt.Sprintf("Fabric{Index=%d, FabricID=0x%016X, NodeID=0x%016X, Vendor=0x%04X, Label=%q, ICAC=%s}",
		f.FabricIndex, uint64(f.FabricID), uint64(f.NodeID), uint16(f.VendorID), f.Label, icacStatus)
}

// Clone returns a deep copy of the FabricEntry.
func (f *FabricEntry) Clone() *FabricEntry {
	clone := &FabricEntry{
		FabricIndex:        f.FabricIndex,
		FabricID:           f.FabricID,
		NodeID:             f.NodeID,
		VendorID:           f.VendorID,
		Label:              f.Label,
		AdvertiseIdentity:  f.AdvertiseIdentity,
		RootPublicKey:      f.RootPublicKey,
		CompressedFabricID: f.CompressedFabricID,
		IPK:                f.IPK,
		OpKeyRef:           f.OpKeyRef,
	}

	if f.CATs != nil {
		clone.CATs = make([]uint32, len(f.CATs))
		copy(clone.CATs, f.CATs)
	}

	clone.RootCert = make([]byte, len(f.RootCert))
	copy(clone.RootCert, f.RootCert)

	clone.NOC = make([]byte, len(f.NOC))
	copy(clone.NOC, f.NOC)

	if f.ICAC != nil {
		clone.ICAC = make([]byte, len(f.ICAC))
		copy(clone.ICAC, f.ICAC)
	}

	return clone
}
