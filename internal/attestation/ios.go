package attestation

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/pkg/logger"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

const appAttestFormat = "apple-appattest"

var (
	oidAppAttestNonce = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}

	aaguidProduction  = []byte("appattest\x00\x00\x00\x00\x00\x00\x00")
	aaguidDevelopment = []byte("appattestdevelop")
)

// authenticator data layout
const (
	rpIDHashLen    = 32
	flagsOffset    = 32
	counterOffset  = 33
	aaguidOffset   = 37
	credLenOffset  = 53
	credIDOffset   = 55
	aaguidLen      = 16
	credLenLen     = 2
	minAuthDataLen = credIDOffset
)

type appAttestObject struct {
	Format   string             `cbor:"fmt"`
	AttStmt  appAttestStatement `cbor:"attStmt"`
	AuthData []byte             `cbor:"authData"`
}

type appAttestStatement struct {
	X5C     [][]byte `cbor:"x5c"`
	Receipt []byte   `cbor:"receipt"`
}

type appAttestNonce struct {
	Nonce []byte `asn1:"tag:1,explicit"`
}

type authenticatorData struct {
	RPIDHash []byte
	Flags    byte
	Counter  uint32
	AAGUID   []byte
	CredID   []byte
}

// IOSVerifier validates Apple App Attest attestation objects locally
// against the configured App Attestation root CA.
type IOSVerifier struct {
	roots            *x509.CertPool
	appIDHash        [32]byte
	allowDevelopment bool
	now              func() time.Time
	logger           *logrus.Entry
	metrics          *Metrics
}

// IOSOption configures an IOSVerifier
type IOSOption func(*IOSVerifier)

func WithIOSLogger(log *logrus.Logger) IOSOption {
	return func(v *IOSVerifier) {
		v.logger = logger.Component(log, "attestation.ios")
	}
}

func WithIOSMetrics(m *Metrics) IOSOption {
	return func(v *IOSVerifier) {
		v.metrics = m
	}
}

// WithClock sets the time used for certificate validity checks
func WithClock(now func() time.Time) IOSOption {
	return func(v *IOSVerifier) {
		v.now = now
	}
}

// WithDevelopment accepts attestations from the development environment
func WithDevelopment(allow bool) IOSOption {
	return func(v *IOSVerifier) {
		v.allowDevelopment = allow
	}
}

// NewIOSVerifier loads the root CA bundle named in the configuration
func NewIOSVerifier(cfg config.IOSConfig, opts ...IOSOption) (*IOSVerifier, error) {
	pemData, err := os.ReadFile(cfg.RootCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read app attest root CA: %w", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.RootCAFile)
	}

	opts = append([]IOSOption{WithDevelopment(cfg.AllowDevelopment)}, opts...)
	return NewIOSVerifierWithRoots(roots, cfg.AppID, opts...), nil
}

// NewIOSVerifierWithRoots creates a verifier trusting the given roots.
// appID is "<team id>.<bundle id>".
func NewIOSVerifierWithRoots(roots *x509.CertPool, appID string, opts ...IOSOption) *IOSVerifier {
	v := &IOSVerifier{
		roots:     roots,
		appIDHash: sha256.Sum256([]byte(appID)),
		now:       time.Now,
		logger:    logger.Component(nil, "attestation.ios"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the attestation object. Every structural or cryptographic
// failure yields an untrusted verdict; it never returns an error because
// verification involves no remote call.
func (v *IOSVerifier) Verify(ctx context.Context, req *Request) (*Verdict, error) {
	untrusted := &Verdict{Platform: PlatformIOS}

	raw, err := decodeBase64(req.Token)
	if err != nil {
		return v.reject(untrusted, "encoding", err)
	}

	var obj appAttestObject
	if err := cbor.Unmarshal(raw, &obj); err != nil {
		return v.reject(untrusted, "cbor", err)
	}
	if obj.Format != appAttestFormat {
		return v.reject(untrusted, "format", fmt.Errorf("unexpected format %q", obj.Format))
	}

	leaf, err := v.verifyChain(obj.AttStmt.X5C)
	if err != nil {
		return v.reject(untrusted, "chain", err)
	}

	if req.Nonce != "" {
		if err := verifyNonce(leaf, obj.AuthData, req.Nonce); err != nil {
			return v.reject(untrusted, "nonce", err)
		}
	}

	auth, err := parseAuthenticatorData(obj.AuthData)
	if err != nil {
		return v.reject(untrusted, "auth_data", err)
	}

	keyID, err := credentialKeyID(leaf)
	if err != nil {
		return v.reject(untrusted, "public_key", err)
	}
	if !bytes.Equal(keyID, auth.CredID) {
		return v.reject(untrusted, "credential_id", fmt.Errorf("credential id does not match attested key"))
	}

	if auth.Counter != 0 {
		return v.reject(untrusted, "counter", fmt.Errorf("counter is %d", auth.Counter))
	}

	if !v.acceptAAGUID(auth.AAGUID) {
		return v.reject(untrusted, "aaguid", fmt.Errorf("unexpected aaguid %q", auth.AAGUID))
	}

	return &Verdict{
		Platform:      PlatformIOS,
		DeviceTrusted: true,
		AppTrusted:    bytes.Equal(auth.RPIDHash, v.appIDHash[:]),
	}, nil
}

func (v *IOSVerifier) reject(verdict *Verdict, check string, err error) (*Verdict, error) {
	v.logger.WithError(err).WithField("check", check).Warn("App Attest object rejected")
	if v.metrics != nil {
		v.metrics.StructuralFailures.WithLabelValues(string(PlatformIOS), check).Inc()
	}
	return verdict, nil
}

func (v *IOSVerifier) verifyChain(x5c [][]byte) (*x509.Certificate, error) {
	if len(x5c) < 2 {
		return nil, fmt.Errorf("x5c must hold the credential and intermediate certificates, got %d", len(x5c))
	}

	certs := make([]*x509.Certificate, 0, len(x5c))
	for i, der := range x5c {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	leaf := certs[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, err
	}

	return leaf, nil
}

func (v *IOSVerifier) acceptAAGUID(aaguid []byte) bool {
	if bytes.Equal(aaguid, aaguidProduction) {
		return true
	}
	return v.allowDevelopment && bytes.Equal(aaguid, aaguidDevelopment)
}

// verifyNonce checks the credential certificate commits to
// SHA-256(authData || SHA-256(challenge)).
func verifyNonce(leaf *x509.Certificate, authData []byte, challenge string) error {
	clientDataHash := sha256.Sum256([]byte(challenge))
	expected := sha256.Sum256(append(append([]byte{}, authData...), clientDataHash[:]...))

	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(oidAppAttestNonce) {
			continue
		}
		var n appAttestNonce
		if _, err := asn1.Unmarshal(ext.Value, &n); err != nil {
			return fmt.Errorf("malformed nonce extension: %w", err)
		}
		if !bytes.Equal(n.Nonce, expected[:]) {
			return fmt.Errorf("nonce mismatch")
		}
		return nil
	}

	return fmt.Errorf("nonce extension missing")
}

func parseAuthenticatorData(data []byte) (*authenticatorData, error) {
	if len(data) < minAuthDataLen {
		return nil, fmt.Errorf("authenticator data too short: %d bytes", len(data))
	}

	credLen := int(binary.BigEndian.Uint16(data[credLenOffset : credLenOffset+credLenLen]))
	if len(data) < credIDOffset+credLen {
		return nil, fmt.Errorf("credential id truncated")
	}

	return &authenticatorData{
		RPIDHash: data[:rpIDHashLen],
		Flags:    data[flagsOffset],
		Counter:  binary.BigEndian.Uint32(data[counterOffset:aaguidOffset]),
		AAGUID:   data[aaguidOffset : aaguidOffset+aaguidLen],
		CredID:   data[credIDOffset : credIDOffset+credLen],
	}, nil
}

// credentialKeyID is SHA-256 of the uncompressed EC point of the attested key
func credentialKeyID(leaf *x509.Certificate) ([]byte, error) {
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("credential certificate key is %T, want ECDSA", leaf.PublicKey)
	}
	key, err := pub.ECDH()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(key.Bytes())
	return sum[:], nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("token is not base64")
}
