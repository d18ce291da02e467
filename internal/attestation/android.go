package attestation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/playintegrity/v1"
)

const (
	verdictStrongIntegrity = "MEETS_STRONG_INTEGRITY"
	verdictPlayRecognized  = "PLAY_RECOGNIZED"
)

// AndroidVerifier decodes Play Integrity tokens through Google's
// decodeIntegrityToken endpoint.
type AndroidVerifier struct {
	service     *playintegrity.Service
	packageName string
	logger      *logrus.Logger
}

// NewAndroidVerifier creates a Play Integrity client. A static access token
// takes precedence over a credentials file; extra options are appended last.
func NewAndroidVerifier(ctx context.Context, cfg config.AndroidConfig, logger *logrus.Logger, opts ...option.ClientOption) (*AndroidVerifier, error) {
	if cfg.PackageName == "" {
		return nil, fmt.Errorf("android package name is required")
	}

	var clientOpts []option.ClientOption
	switch {
	case cfg.AccessToken != "":
		clientOpts = append(clientOpts, option.WithTokenSource(
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})))
	case cfg.CredentialsFile != "":
		clientOpts = append(clientOpts,
			option.WithCredentialsFile(cfg.CredentialsFile),
			option.WithScopes(playintegrity.PlayintegrityScope))
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}
	clientOpts = append(clientOpts, opts...)

	service, err := playintegrity.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create play integrity client: %w", err)
	}

	return &AndroidVerifier{
		service:     service,
		packageName: cfg.PackageName,
		logger:      logger,
	}, nil
}

// Verify decodes the token. Only the token is sent upstream.
func (v *AndroidVerifier) Verify(ctx context.Context, req *Request) (*Verdict, error) {
	resp, err := v.service.V1.DecodeIntegrityToken(v.packageName, &playintegrity.DecodeIntegrityTokenRequest{
		IntegrityToken: req.Token,
	}).Context(ctx).Do()
	if err != nil {
		if rejectedToken(err) {
			v.logger.WithError(err).WithField("platform", PlatformAndroid).Warn("Integrity token rejected")
			return &Verdict{Platform: PlatformAndroid}, nil
		}
		return nil, fmt.Errorf("decodeIntegrityToken: %w", err)
	}

	return v.evaluate(resp.TokenPayloadExternal, req.Nonce), nil
}

// rejectedToken reports whether Google refused the token itself. Auth and
// quota statuses describe this server, not the device, and stay errors.
func rejectedToken(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code < 400 || gerr.Code >= 500 {
		return false
	}
	switch gerr.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}

func (v *AndroidVerifier) evaluate(payload *playintegrity.TokenPayloadExternal, nonce string) *Verdict {
	verdict := &Verdict{Platform: PlatformAndroid}
	if payload == nil {
		return verdict
	}

	log := v.logger.WithField("platform", PlatformAndroid)

	if details := payload.RequestDetails; details != nil {
		if details.RequestPackageName != "" && details.RequestPackageName != v.packageName {
			log.WithField("request_package", details.RequestPackageName).Warn("Integrity token issued for another package")
			return verdict
		}
		if nonce != "" && details.Nonce != nonce {
			log.Warn("Integrity token nonce mismatch")
			return verdict
		}
	} else if nonce != "" {
		return verdict
	}

	if payload.DeviceIntegrity != nil {
		for _, label := range payload.DeviceIntegrity.DeviceRecognitionVerdict {
			if label == verdictStrongIntegrity {
				verdict.DeviceTrusted = true
				break
			}
		}
	}

	if payload.AppIntegrity != nil {
		verdict.AppTrusted = payload.AppIntegrity.AppRecognitionVerdict == verdictPlayRecognized
	}

	return verdict
}
