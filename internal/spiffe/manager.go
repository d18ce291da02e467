// Package spiffe provides SPIFFE workload identity for the API server: an
// X.509 SVID source from the SPIRE agent and an mTLS server config that only
// admits peers from the configured trust domain.
package spiffe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Manager owns the workload API X.509 source
type Manager struct {
	mu          sync.RWMutex
	logger      *logrus.Logger
	socketPath  string
	trustDomain spiffeid.TrustDomain

	source  *workloadapi.X509Source
	svids   x509svid.Source
	bundles x509bundle.Source
}

// NewManager validates the configured trust domain. Call Start before
// requesting a TLS config.
func NewManager(cfg config.SecurityConfig, logger *logrus.Logger) (*Manager, error) {
	trustDomain, err := spiffeid.TrustDomainFromString(cfg.SPIRETrustDomain)
	if err != nil {
		return nil, fmt.Errorf("invalid trust domain: %w", err)
	}

	return &Manager{
		logger:      logger,
		socketPath:  cfg.SPIFFESocketPath,
		trustDomain: trustDomain,
	}, nil
}

// NewManagerWithSources uses existing SVID and bundle sources instead of the
// workload API.
func NewManagerWithSources(trustDomain spiffeid.TrustDomain, svids x509svid.Source, bundles x509bundle.Source, logger *logrus.Logger) *Manager {
	return &Manager{
		logger:      logger,
		trustDomain: trustDomain,
		svids:       svids,
		bundles:     bundles,
	}
}

// Start connects to the SPIRE agent and waits for the first SVID
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.svids != nil {
		return nil
	}

	var opts []workloadapi.X509SourceOption
	if m.socketPath != "" {
		opts = append(opts, workloadapi.WithClientOptions(workloadapi.WithAddr(m.socketPath)))
	}

	source, err := workloadapi.NewX509Source(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create X.509 source: %w", err)
	}

	svid, err := source.GetX509SVID()
	if err != nil {
		source.Close()
		return fmt.Errorf("failed to fetch X.509 SVID: %w", err)
	}

	m.source = source
	m.svids = source
	m.bundles = source

	m.logger.WithFields(logrus.Fields{
		"trust_domain": m.trustDomain.String(),
		"spiffe_id":    svid.ID.String(),
		"expires_at":   svid.Certificates[0].NotAfter,
	}).Info("SPIFFE identity initialized")

	return nil
}

// ServerTLSConfig returns an mTLS config that authorizes any member of the
// trust domain. Certificates rotate with the source.
func (m *Manager) ServerTLSConfig() (*tls.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.svids == nil || m.bundles == nil {
		return nil, fmt.Errorf("SPIFFE manager not started")
	}

	tlsCfg := tlsconfig.MTLSServerConfig(m.svids, m.bundles, tlsconfig.AuthorizeMemberOf(m.trustDomain))
	tlsCfg.MinVersion = tls.VersionTLS12
	return tlsCfg, nil
}

func (m *Manager) TrustDomain() spiffeid.TrustDomain {
	return m.trustDomain
}

// Close releases the workload API source
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source == nil {
		return nil
	}
	err := m.source.Close()
	m.source = nil
	m.svids = nil
	m.bundles = nil
	return err
}

// Peer is the verified identity of an mTLS caller
type Peer struct {
	ID        spiffeid.ID
	ExpiresAt time.Time
}

// PeerFromRequest reads the caller's SPIFFE ID from the TLS state. It is only
// trustworthy behind the config returned by ServerTLSConfig.
func PeerFromRequest(r *http.Request) (Peer, bool) {
	if r == nil || r.TLS == nil {
		return Peer{}, false
	}

	id, err := spiffetls.PeerIDFromConnectionState(*r.TLS)
	if err != nil {
		return Peer{}, false
	}

	var expiresAt time.Time
	if len(r.TLS.PeerCertificates) > 0 {
		expiresAt = r.TLS.PeerCertificates[0].NotAfter
	}
	return Peer{ID: id, ExpiresAt: expiresAt}, true
}

type peerKey struct{}

// PeerFromContext returns the peer stored by Middleware
func PeerFromContext(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(Peer)
	return p, ok
}

// Middleware rejects requests without a SPIFFE peer in the trust domain and
// stores the peer in the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, ok := PeerFromRequest(r)
		if !ok || !peer.ID.MemberOf(m.trustDomain) {
			m.logger.WithFields(logrus.Fields{
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
			}).Warn("Rejected request without trusted SPIFFE identity")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), peerKey{}, peer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
