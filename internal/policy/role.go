package policy

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const roleQuery = "data.aegis.role.role"

//go:embed role.rego
var roleModule string

// RoleInput is the evidence a role is derived from. Every field must come
// from server-side verification, never from the client.
type RoleInput struct {
	Biometric     bool            `json:"biometric"`
	DeviceTrusted bool            `json:"device_trusted"`
	AppTrusted    bool            `json:"app_trusted"`
	Tier          types.TrustTier `json:"tier"`
}

// RoleEngine evaluates the role rule table with OPA
type RoleEngine struct {
	logger   *logrus.Logger
	metrics  *Metrics
	prepared rego.PreparedEvalQuery
}

// RoleOption configures a RoleEngine
type RoleOption func(*roleOptions)

type roleOptions struct {
	filename string
	module   string
	metrics  *Metrics
}

// WithRoleModule replaces the embedded rule table. The module must define
// data.aegis.role.role.
func WithRoleModule(filename, module string) RoleOption {
	return func(o *roleOptions) {
		o.filename = filename
		o.module = module
	}
}

func WithRoleMetrics(m *Metrics) RoleOption {
	return func(o *roleOptions) {
		o.metrics = m
	}
}

// NewRoleEngine compiles the rule table once; evaluation reuses the
// prepared query and is safe for concurrent use.
func NewRoleEngine(ctx context.Context, logger *logrus.Logger, opts ...RoleOption) (*RoleEngine, error) {
	o := &roleOptions{filename: "role.rego", module: roleModule}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(prometheus.NewRegistry())
	}

	prepared, err := rego.New(
		rego.Query(roleQuery),
		rego.Module(o.filename, o.module),
		rego.Store(inmem.New()),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare role policy: %w", err)
	}

	return &RoleEngine{
		logger:   logger,
		metrics:  o.metrics,
		prepared: prepared,
	}, nil
}

// Derive returns the operator role for the input. Any evaluation failure
// yields USER together with the error.
func (e *RoleEngine) Derive(ctx context.Context, input RoleInput) (types.OperatorRole, error) {
	role, err := e.derive(ctx, input)
	if err != nil {
		e.metrics.RoleEvalErrorsTotal.Inc()
		e.logger.WithError(err).Warn("Role derivation failed, falling back to USER")
		role = types.RoleUser
	}

	e.metrics.RoleDerivationsTotal.WithLabelValues(string(role)).Inc()
	e.logger.WithFields(logrus.Fields{
		"role":           role,
		"biometric":      input.Biometric,
		"device_trusted": input.DeviceTrusted,
		"app_trusted":    input.AppTrusted,
		"tier":           input.Tier,
	}).Debug("Role derived")

	return role, err
}

func (e *RoleEngine) derive(ctx context.Context, input RoleInput) (types.OperatorRole, error) {
	rs, err := e.prepared.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"biometric":      input.Biometric,
		"device_trusted": input.DeviceTrusted,
		"app_trusted":    input.AppTrusted,
		"tier":           string(input.Tier),
	}))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate role policy: %w", err)
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", fmt.Errorf("role policy produced no result")
	}

	value, ok := rs[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("role policy produced %T, want string", rs[0].Expressions[0].Value)
	}

	role := types.OperatorRole(value)
	switch role {
	case types.RoleAdmin, types.RoleAnalyst, types.RoleUser:
		return role, nil
	}
	return "", fmt.Errorf("role policy produced unknown role %q", value)
}
