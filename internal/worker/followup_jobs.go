package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
)

// SubscriptionCanceler stops billing on the provider side.
type SubscriptionCanceler interface {
	CancelSubscription(ctx context.Context, subscriptionID, reason string) error
}

// RegisterFollowupJobs registers the handlers for webhook follow-up work.
func RegisterFollowupJobs(w *Worker, canceler SubscriptionCanceler) {
	w.RegisterHandler(models.JobTypeProviderCancel, providerCancelHandler(canceler, w.logger))
	w.logger.Info("[worker] registered follow-up job handlers", zap.String("job_type", models.JobTypeProviderCancel))
}

// providerCancelHandler retries the provider cancel after a lifetime grant.
func providerCancelHandler(canceler SubscriptionCanceler, logger *zap.Logger) Handler {
	return func(ctx context.Context, job *models.Job) error {
		subscriptionID := job.Payload.String("subscription_id")
		if subscriptionID == "" {
			return fmt.Errorf("missing subscription_id in payload")
		}

		if err := canceler.CancelSubscription(ctx, subscriptionID, job.Payload.String("reason")); err != nil {
			return fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
		}

		logger.Info("[worker] provider subscription cancelled", zap.String("subscription_id", subscriptionID))
		return nil
	}
}

// EnqueueProviderCancel queues a retry of the provider cancel call.
func (w *Worker) EnqueueProviderCancel(ctx context.Context, subscriptionID, reason string) error {
	return w.Enqueue(ctx, &models.Job{
		JobType: models.JobTypeProviderCancel,
		Payload: models.JSONB{
			"subscription_id": subscriptionID,
			"reason":          reason,
		},
		MaxAttempts: models.DefaultJobMaxAttempts,
	})
}
