package fabric

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/mattersec/fabricnode/pkg/credentials"
)

// Validation errors.
var (
	// ErrInvalidCertificate is returned when a certificate cannot be parsed.
	ErrInvalidCertificate = tagged(KindInvalidArgument, errors.New("fabric: invalid certificate"))
	// ErrMissingFabricID is returned when the fabric ID is missing from a certificate.
	ErrMissingFabricID = tagged(KindInvalidArgument, errors.New("fabric: missing fabric ID in certificate"))
	// ErrMissingNodeID is returned when the node ID is missing from an NOC.
	ErrMissingNodeID = tagged(KindInvalidArgument, errors.New("fabric: missing node ID in NOC"))
	// ErrInvalidNodeID is returned when the node ID is not a valid operational node ID.
	ErrInvalidNodeID = tagged(KindInvalidArgument, errors.New("fabric: invalid operational node ID"))
	// ErrFabricIDMismatch is returned when fabric IDs don't match in the chain.
	ErrFabricIDMismatch = tagged(KindInvalidArgument, errors.New("fabric: fabric ID mismatch in certificate chain"))
	// ErrInvalidCertificateType is returned when a certificate has an unexpected type.
	ErrInvalidCertificateType = tagged(KindInvalidArgument, errors.New("fabric: invalid certificate type"))
	// ErrChainValidationFailed is returned when certificate chain validation fails.
	ErrChainValidationFailed = tagged(KindInvalidArgument, errors.New("fabric: certificate chain validation failed"))
	// ErrMissingRootPublicKey is returned when the root public key is invalid.
	ErrMissingRootPublicKey = tagged(KindInvalidArgument, errors.New("fabric: missing or invalid root public key"))
	// ErrCertificateNotYetValid is returned when effectiveTime precedes NotBefore.
	ErrCertificateNotYetValid = tagged(KindInvalidArgument, errors.New("fabric: certificate not yet valid at effective time"))
	// ErrCertificateExpired is returned when effectiveTime is past NotAfter.
	ErrCertificateExpired = tagged(KindInvalidArgument, errors.New("fabric: certificate expired at effective time"))
	// ErrInvalidKeyUsage is returned when a certificate lacks a required KeyUsage bit.
	ErrInvalidKeyUsage = tagged(KindInvalidArgument, errors.New("fabric: certificate missing required key usage"))
	// ErrSignatureInvalid is returned when a certificate's signature does not
	// verify against its issuer's public key.
	ErrSignatureInvalid = tagged(KindInvalidArgument, errors.New("fabric: certificate signature verification failed"))
)

// CertParser abstracts Matter TLV certificate parsing so tests can inject a
// stub parser without constructing raw TLV. DefaultCertParser delegates to
// credentials.DecodeTLV, exactly as the table does in production.
type CertParser interface {
	Parse(certTLV []byte) (*credentials.Certificate, error)
}

// DefaultCertParser parses certificates via credentials.DecodeTLV.
type DefaultCertParser struct{}

func (DefaultCertParser) Parse(certTLV []byte) (*credentials.Certificate, error) {
	return ParseCertificate(certTLV)
}

// ParseCertificate parses a Matter TLV-encoded certificate.
func ParseCertificate(certTLV []byte) (*credentials.Certificate, error) {
	if len(certTLV) == 0 {
		return nil, ErrInvalidCertificate
	}
	cert, err := credentials.DecodeTLV(certTLV)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return cert, nil
}

// ExtractFabricID extracts the fabric ID from a certificate's subject DN.
// Returns ErrMissingFabricID if the fabric ID is not present.
//
// Note: Fabric ID is REQUIRED in NOC certificates but OPTIONAL in ICAC and RCAC.
// Use ExtractFabricIDOptional for ICAC/RCAC where absence is acceptable.
func ExtractFabricID(cert *credentials.Certificate) (FabricID, error) {
	fid := cert.FabricID()
	if fid == 0 {
		return 0, ErrMissingFabricID
	}
	return FabricID(fid), nil
}

// ExtractFabricIDOptional extracts the fabric ID from a certificate's subject DN.
// Returns (0, false) if the fabric ID is not present (which is valid for ICAC/RCAC).
// Returns (fabricID, true) if the fabric ID is present.
func ExtractFabricIDOptional(cert *credentials.Certificate) (FabricID, bool) {
	fid := cert.FabricID()
	if fid == 0 {
		return 0, false
	}
	return FabricID(fid), true
}

// ExtractNodeID extracts the node ID from an NOC's subject DN.
func ExtractNodeID(cert *credentials.Certificate) (NodeID, error) {
	if cert.Type() != credentials.CertTypeNOC {
		return 0, ErrInvalidCertificateType
	}
	nid := cert.NodeID()
	if nid == 0 {
		return 0, ErrMissingNodeID
	}
	nodeID := NodeID(nid)
	if !nodeID.IsOperational() {
		return 0, fmt.Errorf("%w: 0x%016X", ErrInvalidNodeID, nid)
	}
	return nodeID, nil
}

// ExtractRootPublicKey extracts the 65-byte uncompressed public key from an RCAC.
func ExtractRootPublicKey(cert *credentials.Certificate) ([RootPublicKeySize]byte, error) {
	var key [RootPublicKeySize]byte
	if len(cert.ECPubKey) != RootPublicKeySize {
		return key, fmt.Errorf("%w: got %d bytes", ErrMissingRootPublicKey, len(cert.ECPubKey))
	}
	copy(key[:], cert.ECPubKey)
	return key, nil
}

// checkValidityWindow verifies effectiveTime (Matter epoch seconds) falls
// within [NotBefore, NotAfter]. effectiveTime == 0 skips the check entirely,
// which is how callers validating a chain without a Last Known Good Time
// opt out (e.g. NewFabricInfo called outside a Table).
func checkValidityWindow(cert *credentials.Certificate, effectiveTime int64) error {
	if effectiveTime == 0 {
		return nil
	}
	if uint32(effectiveTime) < cert.NotBefore {
		return ErrCertificateNotYetValid
	}
	if cert.NotAfter != 0 && uint32(effectiveTime) > cert.NotAfter {
		return ErrCertificateExpired
	}
	return nil
}

// checkSignature verifies cert was signed by issuer's public key, bridging
// through credentials.MatterToX509 so the real crypto/x509 ECDSA signature
// check does the work rather than a hand-rolled verifier.
func checkSignature(cert, issuer *credentials.Certificate) error {
	certDER, err := credentials.MatterToX509(cert)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	x509Cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	issuerDER, err := credentials.MatterToX509(issuer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	x509Issuer, err := x509.ParseCertificate(issuerDER)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if err := x509Cert.CheckSignatureFrom(x509Issuer); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// requireKeyUsage requires cert's KeyUsage extension to carry flag.
func requireKeyUsage(cert *credentials.Certificate, flag credentials.KeyUsage, what string) error {
	if cert.Extensions.KeyUsage == nil || !cert.Extensions.KeyUsage.Usage.HasFlag(flag) {
		return fmt.Errorf("%w: %s missing %s", ErrInvalidKeyUsage, what, flag)
	}
	return nil
}

// ValidateNOCChain validates an NOC certificate chain's structure and issuer
// linkage (types, fabric ID consistency, AKID/SKID chaining). It does not
// check certificate validity windows, key usage, or cryptographic
// signatures — use VerifyCredentials for the complete check a Table
// performs before committing a fabric.
func ValidateNOCChain(rootCertTLV, nocTLV, icacTLV []byte) error {
	rootCert, err := ParseCertificate(rootCertTLV)
	if err != nil {
		return fmt.Errorf("root certificate: %w", err)
	}
	if rootCert.Type() != credentials.CertTypeRCAC {
		return fmt.Errorf("root certificate: %w: expected RCAC, got %s",
			ErrInvalidCertificateType, rootCert.Type())
	}

	nocCert, err := ParseCertificate(nocTLV)
	if err != nil {
		return fmt.Errorf("NOC: %w", err)
	}
	if nocCert.Type() != credentials.CertTypeNOC {
		return fmt.Errorf("NOC: %w: expected NOC, got %s",
			ErrInvalidCertificateType, nocCert.Type())
	}

	nocFabricID, err := ExtractFabricID(nocCert)
	if err != nil {
		return fmt.Errorf("NOC: %w", err)
	}
	if _, err := ExtractNodeID(nocCert); err != nil {
		return fmt.Errorf("NOC: %w", err)
	}

	if rcacFabricID, found := ExtractFabricIDOptional(rootCert); found {
		if rcacFabricID != nocFabricID {
			return fmt.Errorf("RCAC: %w: RCAC fabric ID (0x%X) != NOC fabric ID (0x%X)",
				ErrFabricIDMismatch, rcacFabricID, nocFabricID)
		}
	}

	if len(icacTLV) > 0 {
		icacCert, err := ParseCertificate(icacTLV)
		if err != nil {
			return fmt.Errorf("ICAC: %w", err)
		}
		if icacCert.Type() != credentials.CertTypeICAC {
			return fmt.Errorf("ICAC: %w: expected ICAC, got %s",
				ErrInvalidCertificateType, icacCert.Type())
		}

		if icacFabricID, found := ExtractFabricIDOptional(icacCert); found {
			if icacFabricID != nocFabricID {
				return fmt.Errorf("ICAC: %w: ICAC fabric ID (0x%X) != NOC fabric ID (0x%X)",
					ErrFabricIDMismatch, icacFabricID, nocFabricID)
			}
		}

		if !bytes.Equal(icacCert.AuthorityKeyID(), rootCert.SubjectKeyID()) {
			return fmt.Errorf("ICAC: issuer does not match root (AKID mismatch)")
		}
		if !bytes.Equal(nocCert.AuthorityKeyID(), icacCert.SubjectKeyID()) {
			return fmt.Errorf("NOC: issuer does not match ICAC (AKID mismatch)")
		}
	} else {
		if !bytes.Equal(nocCert.AuthorityKeyID(), rootCert.SubjectKeyID()) {
			return fmt.Errorf("NOC: issuer does not match root (AKID mismatch)")
		}
	}

	return nil
}

// VerifyCredentials performs the full chain check a Table runs before
// committing a fabric: ValidateNOCChain's structural/issuer checks, plus
// validity-window enforcement against effectiveTime (Matter epoch seconds;
// 0 skips the check), required KeyUsage/ExtendedKeyUsage bits on the NOC and
// any ICAC, and real ECDSA signature verification along the chain.
func VerifyCredentials(rootCertTLV, nocTLV, icacTLV []byte, effectiveTime int64) error {
	if err := ValidateNOCChain(rootCertTLV, nocTLV, icacTLV); err != nil {
		return err
	}

	rootCert, err := ParseCertificate(rootCertTLV)
	if err != nil {
		return err
	}
	nocCert, err := ParseCertificate(nocTLV)
	if err != nil {
		return err
	}

	if err := checkValidityWindow(rootCert, effectiveTime); err != nil {
		return fmt.Errorf("RCAC: %w", err)
	}
	if err := checkValidityWindow(nocCert, effectiveTime); err != nil {
		return fmt.Errorf("NOC: %w", err)
	}
	if err := requireKeyUsage(nocCert, credentials.KeyUsageDigitalSignature, "NOC"); err != nil {
		return err
	}

	var icacCert *credentials.Certificate
	if len(icacTLV) > 0 {
		icacCert, err = ParseCertificate(icacTLV)
		if err != nil {
			return err
		}
		if err := checkValidityWindow(icacCert, effectiveTime); err != nil {
			return fmt.Errorf("ICAC: %w", err)
		}
		if err := requireKeyUsage(icacCert, credentials.KeyUsageKeyCertSign, "ICAC"); err != nil {
			return err
		}
		if err := checkSignature(icacCert, rootCert); err != nil {
			return fmt.Errorf("ICAC: %w", err)
		}
		if err := checkSignature(nocCert, icacCert); err != nil {
			return fmt.Errorf("NOC: %w", err)
		}
	} else {
		if err := checkSignature(nocCert, rootCert); err != nil {
			return fmt.Errorf("NOC: %w", err)
		}
	}

	return nil
}

// ChainInfo contains key information extracted from a validated certificate chain.
// This should be populated after ValidateNOCChain succeeds.
type ChainInfo struct {
	FabricID      FabricID
	NodeID        NodeID
	RootPublicKey [RootPublicKeySize]byte
	NOCCATs       []uint32 // CASE Authenticated Tags from NOC
}

// ExtractChainInfo extracts information from a certificate chain.
// The fabric ID is extracted from the NOC (not the RCAC, which doesn't have one).
func ExtractChainInfo(rootCertTLV, nocTLV []byte) (*ChainInfo, error) {
	rootCert, err := ParseCertificate(rootCertTLV)
	if err != nil {
		return nil, err
	}

	nocCert, err := ParseCertificate(nocTLV)
	if err != nil {
		return nil, err
	}

	fabricID, err := ExtractFabricID(nocCert)
	if err != nil {
		return nil, err
	}

	nodeID, err := ExtractNodeID(nocCert)
	if err != nil {
		return nil, err
	}

	rootPubKey, err := ExtractRootPublicKey(rootCert)
	if err != nil {
		return nil, err
	}

	return &ChainInfo{
		FabricID:      fabricID,
		NodeID:        nodeID,
		RootPublicKey: rootPubKey,
		NOCCATs:       nocCert.NOCCATs(),
	}, nil
}
