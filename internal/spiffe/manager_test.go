package spiffe

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/pkg/logger"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peerState(t *testing.T, rawID string) *tls.ConnectionState {
	t.Helper()
	u, err := url.Parse(rawID)
	require.NoError(t, err)
	return &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{{
			URIs:     []*url.URL{u},
			NotAfter: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		}},
	}
}

func TestNewManager(t *testing.T) {
	m, err := NewManager(config.SecurityConfig{SPIRETrustDomain: "aegis.local"}, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, "aegis.local", m.TrustDomain().String())

	_, err = NewManager(config.SecurityConfig{SPIRETrustDomain: "Not A Domain"}, logger.Discard())
	assert.Error(t, err)
}

func TestServerTLSConfig_RequiresStart(t *testing.T) {
	m, err := NewManager(config.SecurityConfig{SPIRETrustDomain: "aegis.local"}, logger.Discard())
	require.NoError(t, err)

	_, err = m.ServerTLSConfig()
	assert.Error(t, err)
	assert.NoError(t, m.Close())
}

func TestPeerFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := PeerFromRequest(r)
	assert.False(t, ok, "plain HTTP has no peer")

	r.TLS = peerState(t, "spiffe://aegis.local/console")
	peer, ok := PeerFromRequest(r)
	require.True(t, ok)
	assert.Equal(t, "spiffe://aegis.local/console", peer.ID.String())
	assert.Equal(t, 2026, peer.ExpiresAt.Year())

	r.TLS = peerState(t, "https://aegis.local/console")
	_, ok = PeerFromRequest(r)
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	td := spiffeid.RequireTrustDomainFromString("aegis.local")
	m := NewManagerWithSources(td, nil, nil, logger.Discard())

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, ok := PeerFromContext(r.Context())
		if assert.True(t, ok) {
			w.Write([]byte(peer.ID.Path()))
		}
	}))

	tests := []struct {
		name   string
		state  *tls.ConnectionState
		status int
	}{
		{"member", peerState(t, "spiffe://aegis.local/console"), http.StatusOK},
		{"foreign trust domain", peerState(t, "spiffe://evil.example/console"), http.StatusUnauthorized},
		{"no TLS", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/objects", nil)
			r.TLS = tt.state
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "/console", w.Body.String())
			}
		})
	}
}
