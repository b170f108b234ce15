package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	correlationIDKey struct{}
	campaignKey      struct{}
)

type campaignScope struct {
	campaignID     string
	organizationID string
}

func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.InitialFields = map[string]any{"service": "campaign-engine"}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	correlationID, ok := ctx.Value(correlationIDKey{}).(string)
	if !ok || correlationID == "" {
		return "", false
	}

	return correlationID, true
}

// WithCampaign tags ctx with the campaign a processing cycle is working on.
func WithCampaign(ctx context.Context, campaignID string, organizationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, campaignKey{}, campaignScope{campaignID: campaignID, organizationID: organizationID})
}

func CampaignFromContext(ctx context.Context) (campaignID string, organizationID string, ok bool) {
	if ctx == nil {
		return "", "", false
	}

	scope, ok := ctx.Value(campaignKey{}).(campaignScope)
	if !ok || scope.campaignID == "" {
		return "", "", false
	}

	return scope.campaignID, scope.organizationID, true
}

// WithContextLogger enriches logger with the correlation and campaign fields
// carried by ctx.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	fields := make([]zap.Field, 0, 3)
	if correlationID, ok := CorrelationIDFromContext(ctx); ok {
		fields = append(fields, zap.String("correlationId", correlationID))
	}
	if campaignID, organizationID, ok := CampaignFromContext(ctx); ok {
		fields = append(fields, zap.String("campaignId", campaignID))
		if organizationID != "" {
			fields = append(fields, zap.String("organizationId", organizationID))
		}
	}
	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}
