package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/sellerguard_backend/appctx"
)

var (
	ContextKeySellerId      = appctx.ContextKeySellerId
	ContextKeySyncId        = appctx.ContextKeySyncId
	ContextKeyJobId         = appctx.ContextKeyJobId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyTriggeredBy   = appctx.ContextKeyTriggeredBy
)

func GetSellerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeySellerId)
}

func GetSyncIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeySyncId)
}

func GetJobIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyJobId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetTriggeredByFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTriggeredBy)
}

func SetSellerIdInContext(ctx context.Context, sellerId string) context.Context {
	return appctx.Set(ctx, ContextKeySellerId, sellerId)
}

func SetSyncIdInContext(ctx context.Context, syncId string) context.Context {
	return appctx.Set(ctx, ContextKeySyncId, syncId)
}

func SetJobIdInContext(ctx context.Context, jobId string) context.Context {
	return appctx.Set(ctx, ContextKeyJobId, jobId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetTriggeredByInContext(ctx context.Context, triggeredBy string) context.Context {
	return appctx.Set(ctx, ContextKeyTriggeredBy, triggeredBy)
}
