package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/enterprise/aegis-trust/internal/access"
	"github.com/enterprise/aegis-trust/internal/analysis"
	"github.com/enterprise/aegis-trust/internal/hal"
	"github.com/enterprise/aegis-trust/internal/policy"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const template = `filename: dossier.pdf
size: 3.2 MB
policy:
  biometricsRequired: [FINGERPRINT]
  fusion: AND
  minConfidence: 0.9
  maxAttempts: 3
  lockoutPolicy: temporary
rules:
  autoRelock: true
  relockAfterSeconds: 120
biometric:
  antiSpoof: 0.8
`

const enrollReport = `{
  "id": "r-enroll",
  "signals": [{"type": "FINGERPRINT", "confidence": 0.97, "status": "valid"}],
  "overallConfidence": 0.97,
  "livenessScore": 0.93,
  "decision": "VERIFIED",
  "ingressPath": "DACTYL_PATH",
  "captureMode": "LIVE",
  "featureVectorHash": "fvh-cli",
  "trustTier": "T2_TEE_BACKED"
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSealFromFiles(t *testing.T) {
	tpl := writeFile(t, "template.yaml", template)
	rep := writeFile(t, "report.json", enrollReport)

	file, err := sealFromFiles(context.Background(), hal.Environment{Native: true, HardwareBridge: true}, tpl, rep)
	require.NoError(t, err)

	assert.Equal(t, "fvh-cli", file.SecurityBinding.FeatureVectorHash)
	assert.Equal(t, types.TierTEEBacked, file.SecurityBinding.AttestationTier)
	assert.True(t, file.SecurityBinding.EnclaveAttested)
	assert.Equal(t, []types.SignalType{types.SignalFingerprint}, file.Metadata.LockPolicy.BiometricsRequired)
	assert.Equal(t, 120, file.Metadata.AccessRules.RelockAfterSeconds)
}

func TestSealFromFiles_RequiresFeatureVector(t *testing.T) {
	tpl := writeFile(t, "template.yaml", template)

	_, err := sealFromFiles(context.Background(), hal.Environment{}, tpl, "")
	assert.Error(t, err)
}

func TestEvaluateFiles(t *testing.T) {
	tpl := writeFile(t, "template.yaml", template)
	rep := writeFile(t, "report.json", enrollReport)

	file, err := sealFromFiles(context.Background(), hal.Environment{}, tpl, rep)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, file))
	obj := writeFile(t, "object.json", buf.String())

	result, err := evaluateFiles(context.Background(), obj, rep)
	require.NoError(t, err)
	assert.True(t, result.Decision.Allowed, result.String())

	impostor := writeFile(t, "impostor.json", strings.Replace(enrollReport, "fvh-cli", "fvh-other", 1))
	result, err = evaluateFiles(context.Background(), obj, impostor)
	require.NoError(t, err)
	assert.False(t, result.Decision.Allowed)
	assert.Equal(t, policy.ReasonBindingViolation, result.Decision.Reason)

	invalid := writeFile(t, "invalid.json", strings.Replace(enrollReport, `"VERIFIED"`, `"MAYBE"`, 1))
	_, err = evaluateFiles(context.Background(), obj, invalid)
	assert.ErrorIs(t, err, analysis.ErrInvalidReport)
}

func TestEvaluateFiles_Unverified(t *testing.T) {
	tpl := writeFile(t, "template.yaml", template)
	rep := writeFile(t, "report.json", enrollReport)

	file, err := sealFromFiles(context.Background(), hal.Environment{}, tpl, rep)
	require.NoError(t, err)
	data, err := json.Marshal(file)
	require.NoError(t, err)
	obj := writeFile(t, "object.json", string(data))

	denied := writeFile(t, "denied.json", strings.Replace(enrollReport, `"VERIFIED"`, `"DENIED"`, 1))
	result, err := evaluateFiles(context.Background(), obj, denied)
	require.NoError(t, err)
	assert.Equal(t, access.ReasonNotVerified, result.Decision.Reason)
}

func TestPrintTiers(t *testing.T) {
	var buf bytes.Buffer
	printTiers(&buf)

	out := buf.String()
	assert.Contains(t, out, "CONTEXT")
	assert.Regexp(t, `native\s+FINGERPRINT\s+true\s+T2_TEE_BACKED`, out)
	assert.Regexp(t, `native\s+IRIS_SCANNER\s+true\s+T3_DEVICE_AUTH`, out)
	assert.Regexp(t, `sandboxed\s+FINGERPRINT\s+false\s+T0_HEURISTIC`, out)
	assert.Regexp(t, `sandboxed\s+CAMERA\s+true\s+T0_HEURISTIC`, out)
}
