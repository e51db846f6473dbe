package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeySellerId      = ContextKey("SellerId")
	ContextKeySyncId        = ContextKey("SyncId")
	ContextKeyJobId         = ContextKey("JobId")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyTriggeredBy records what started the current detection run
	// (manual | sync | retry | backfill). Stored on job rows and run logs.
	ContextKeyTriggeredBy = ContextKey("TriggeredBy")

	// ContextKeySkipTenantScope disables the seller-scoping GORM plugin for
	// internal cross-seller work (calibration refresh, ops tooling).
	ContextKeySkipTenantScope = ContextKey("SkipTenantScope")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func GetInt(ctx context.Context, key ContextKey) (int, bool) {
	v, ok := ctx.Value(key).(int)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
