package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/reefline/reefline/connector"
	rlog "github.com/reefline/reefline/log"
	"github.com/reefline/reefline/order"
)

// approvalWork asks for one ERC-20 allowance to be granted to the venue's
// router. Approvals are idempotent per connector+token, which is what makes
// them safe to retry through the queue; trade submissions never go through
// here.
type approvalWork struct {
	Token string
}

func newApprovalQueue() workqueue.TypedRateLimitingInterface[approvalWork] {
	return workqueue.NewTypedRateLimitingQueue(
		workqueue.DefaultTypedControllerRateLimiter[approvalWork]())
}

// runApprovalWorker drains the approval queue until it shuts down.
func runApprovalWorker(ctx context.Context, wg *sync.WaitGroup, q workqueue.TypedRateLimitingInterface[approvalWork], amm *connector.AMM) {
	defer wg.Done()

	for {
		w, shutdown := q.Get()
		if shutdown {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, time.Minute)
		processApproval(reqCtx, q, amm, w)
		cancel()
	}
}

func processApproval(ctx context.Context, q workqueue.TypedRateLimitingInterface[approvalWork], amm *connector.AMM, w approvalWork) {
	logger := rlog.LoggerFromContext(ctx).With(slog.String("token", w.Token))
	defer q.Done(w)

	_, err := amm.ApproveToken(ctx, w.Token)
	switch {
	case err == nil:
		q.Forget(w)
	case errors.Is(err, order.ErrDuplicateOrder):
		// an approval for this token is already in flight
		q.Forget(w)
	case errors.Is(err, context.Canceled):
		q.Forget(w)
	default:
		if q.NumRequeues(w) < 5 {
			logger.Warn("approval failed, requeueing", slog.String("error", err.Error()))
			q.AddRateLimited(w)
			return
		}
		logger.Error("approval failed repeatedly, giving up", slog.String("error", err.Error()))
		q.Forget(w)
	}
}
