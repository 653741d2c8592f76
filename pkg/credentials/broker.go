// Package credentials exchanges tenant role credentials for short-lived
// session credentials and manages their registration.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/drplane/drplane/pkg/engine"
)

const (
	// DefaultSessionDuration is requested when the caller passes zero.
	DefaultSessionDuration = time.Hour

	// ValidationSessionDuration is the shortest session the identity service
	// issues; trial assumptions use it.
	ValidationSessionDuration = 15 * time.Minute
)

// STSAPI is the subset of the STS client the broker calls.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Recorder receives credential exchange outcomes.
type Recorder interface {
	RecordCredentialAssumption(outcome string)
}

// BrokerConfig holds configuration for Broker.
type BrokerConfig struct {
	Region   string
	Endpoint string // Optional custom endpoint (LocalStack and similar)
}

// Broker performs role assumption. It implements engine.CredentialBroker.
type Broker struct {
	client  STSAPI
	logger  zerolog.Logger
	metrics Recorder
	now     func() time.Time
}

// NewBroker creates a broker backed by the default AWS credential chain of
// the server.
func NewBroker(ctx context.Context, cfg BrokerConfig, logger zerolog.Logger, metrics Recorder) (*Broker, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sts.NewFromConfig(awsCfg, func(o *sts.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewBrokerWithClient(client, logger, metrics), nil
}

// NewBrokerWithClient creates a broker around an existing STS client.
func NewBrokerWithClient(client STSAPI, logger zerolog.Logger, metrics Recorder) *Broker {
	return &Broker{
		client:  client,
		logger:  logger.With().Str("component", "credential_broker").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Assume exchanges cred for a session credential.
func (b *Broker) Assume(ctx context.Context, cred engine.TenantCredential, sessionName string, duration time.Duration) (*engine.SessionCredential, error) {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	if err := CheckRoleARN(cred.RoleARN); err != nil {
		b.record("invalid")
		return nil, err
	}

	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(cred.RoleARN),
		RoleSessionName: aws.String(sessionName),
		DurationSeconds: aws.Int32(int32(duration / time.Second)),
	}
	if cred.ExternalID != "" {
		input.ExternalId = aws.String(cred.ExternalID)
	}

	out, err := b.client.AssumeRole(ctx, input)
	if err != nil {
		b.record("rejected")
		b.logger.Warn().
			Err(err).
			Str("tenant_id", cred.TenantID).
			Str("session", sessionName).
			Msg("Role assumption failed")
		return nil, engine.NewCredentialError("failed to assume role", err).
			WithResource(cred.TenantID).
			WithDetail("reason", apiErrorCode(err))
	}
	if out.Credentials == nil {
		b.record("rejected")
		return nil, engine.NewCredentialError("role assumption returned no credentials", nil).WithResource(cred.TenantID)
	}

	b.record("success")
	b.logger.Debug().
		Str("tenant_id", cred.TenantID).
		Str("session", sessionName).
		Msg("Role assumed")

	session := &engine.SessionCredential{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
	}
	if out.Credentials.Expiration != nil {
		session.Expiration = *out.Credentials.Expiration
	}
	return session, nil
}

// Validate performs a short trial assumption of roleARN and reports whether
// it succeeded. The session material is discarded.
func (b *Broker) Validate(ctx context.Context, roleARN, externalID string) bool {
	name := fmt.Sprintf("validation-%d", b.now().UnixMilli())
	_, err := b.Assume(ctx, engine.TenantCredential{RoleARN: roleARN, ExternalID: externalID}, name, ValidationSessionDuration)
	return err == nil
}

func (b *Broker) record(outcome string) {
	if b.metrics != nil {
		b.metrics.RecordCredentialAssumption(outcome)
	}
}

// CheckRoleARN verifies that s is an IAM role ARN.
func CheckRoleARN(s string) error {
	if s == "" {
		return engine.NewCredentialError("missing role ARN", nil)
	}
	parsed, err := arn.Parse(s)
	if err != nil {
		return engine.NewCredentialError("malformed role ARN", err)
	}
	if parsed.Service != "iam" || !strings.HasPrefix(parsed.Resource, "role/") {
		return engine.NewCredentialError(fmt.Sprintf("%s is not an IAM role ARN", s), nil)
	}
	return nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return "unknown"
}
