// Package pipeline runs one message end to end: clean, extract, match,
// verify, write, audit, notify.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ordermail/internal/audit"
	"ordermail/internal/cleaner"
	"ordermail/internal/extract"
	"ordermail/internal/mailbox"
	"ordermail/internal/match"
	"ordermail/internal/model"
	"ordermail/internal/notify"
	"ordermail/internal/orders"
	"ordermail/internal/state"
	"ordermail/internal/verify"
)

// Config tunes per-message processing.
type Config struct {
	// AutoThreshold is the confidence at which results proceed unattended.
	AutoThreshold float64
	// ReviewThreshold is the floor for acting on a result at all.
	ReviewThreshold float64
	// LineItemConcurrency bounds parallel line-item matching.
	LineItemConcurrency int
	// PerCallTimeout bounds each external call (LLM, ERP) individually.
	PerCallTimeout time.Duration
	// PerMessageDeadline bounds one message end to end.
	PerMessageDeadline time.Duration
}

// Pipeline wires the per-message stages together.
type Pipeline struct {
	cleaner   *cleaner.Cleaner
	extractor *extract.Extractor
	retriever *match.Retriever
	confirmer *match.Confirmer
	verifier  *verify.Verifier
	writer    *orders.Writer
	auditor   *audit.Writer
	notifier  *notify.Notifier
	state     *state.Store
	config    *Config
	metrics   *Metrics
	logger    *slog.Logger

	orderSeq atomic.Int64
	now      func() time.Time
}

// New creates a Pipeline. seq seeds the order id counter, normally the count
// of previously processed messages.
func New(cl *cleaner.Cleaner, ex *extract.Extractor, re *match.Retriever, co *match.Confirmer,
	ve *verify.Verifier, wr *orders.Writer, au *audit.Writer, no *notify.Notifier,
	st *state.Store, config *Config, metrics *Metrics, seq int64, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		cleaner: cl, extractor: ex, retriever: re, confirmer: co,
		verifier: ve, writer: wr, auditor: au, notifier: no,
		state: st, config: config, metrics: metrics, logger: logger,
		now: time.Now,
	}
	p.orderSeq.Store(seq)
	return p
}

// callCtx bounds one external call inside the per-message deadline.
func (p *Pipeline) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.PerCallTimeout > 0 {
		return context.WithTimeout(ctx, p.config.PerCallTimeout)
	}
	return ctx, func() {}
}

// nextOrderID issues the human-facing id embedded in digests.
func (p *Pipeline) nextOrderID(ts time.Time) string {
	return fmt.Sprintf("ORDER_%d_%s", p.orderSeq.Add(1), ts.UTC().Format("20060102T150405"))
}

// Process runs one message through every stage. The returned result is
// already audited and indexed; the caller may then acknowledge the message at
// the mailbox.
func (p *Pipeline) Process(ctx context.Context, msg *mailbox.Message, raw []byte) (*model.ProcessingResult, error) {
	if p.config.PerMessageDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.PerMessageDeadline)
		defer cancel()
	}

	createdAt := p.now().UTC()
	result := &model.ProcessingResult{
		MessageID: msg.ID,
		OrderID:   p.nextOrderID(createdAt),
		CreatedAt: createdAt,
	}
	logger := p.logger.With("message_id", msg.ID, "order_id", result.OrderID)

	cleaned, err := p.cleaner.Clean(ctx, msg)
	if err != nil {
		return p.finish(ctx, result, nil, raw, model.StatusFailed, fmt.Sprintf("cleaning failed: %v", err))
	}
	if cleaned.Empty {
		return p.finish(ctx, result, cleaned, raw, model.StatusRequiresReview, "empty_content")
	}

	exCtx, exCancel := p.callCtx(ctx)
	extraction, err := p.extractor.Extract(exCtx, cleaned.Text, msg)
	exCancel()
	if err != nil {
		var exErr *model.ExtractionError
		if errors.As(err, &exErr) {
			// Persistent schema violations are audited for the operator and
			// never replayed automatically.
			return p.finish(ctx, result, cleaned, raw, model.StatusRequiresReview,
				fmt.Sprintf("extraction rejected: %v", exErr.Complaints))
		}
		return nil, fmt.Errorf("extract: %w", err)
	}
	result.Extraction = *extraction
	logger.Info("extracted",
		"intent", extraction.IntentType,
		"confidence", extraction.IntentConfidence,
		"lines", len(extraction.LineItems))

	if extraction.IntentType != model.IntentOrderInquiry {
		status := model.StatusOK
		var reason string
		if extraction.IntentConfidence < p.config.ReviewThreshold {
			status = model.StatusRequiresReview
			reason = fmt.Sprintf("intent confidence %.2f below %.2f", extraction.IntentConfidence, p.config.ReviewThreshold)
		}
		return p.finish(ctx, result, cleaned, raw, status, reason)
	}

	matches, err := p.matchLineItems(ctx, extraction.LineItems)
	if err != nil {
		return nil, fmt.Errorf("match line items: %w", err)
	}
	result.Matches = matches
	result.CustomerMatch = p.retriever.MatchCustomer(&extraction.Customer)

	veCtx, veCancel := p.callCtx(ctx)
	verification, err := p.verifier.Verify(veCtx, matches, &result.CustomerMatch)
	veCancel()
	if err != nil {
		return nil, fmt.Errorf("erp verification: %w", err)
	}
	result.ERP = *verification

	reasons := p.reviewReasons(result)
	if len(reasons) > 0 {
		result.ReviewReasons = reasons
		return p.finish(ctx, result, cleaned, raw, model.StatusRequiresReview, "")
	}

	wrCtx, wrCancel := p.callCtx(ctx)
	defer wrCancel()
	order, err := p.writer.Write(wrCtx, &orders.Input{
		MessageID:  msg.ID,
		OrderRef:   extraction.OrderRef,
		CustomerID: *result.ERP.CustomerERPID,
		LineItems:  extraction.LineItems,
		Matches:    matches,
		Notes:      extraction.Notes,
	})
	if err != nil {
		if errors.Is(err, model.ErrWriterConflict) {
			result.Order = order
			return p.finish(ctx, result, cleaned, raw, model.StatusRequiresReview, err.Error())
		}
		return nil, fmt.Errorf("write order: %w", err)
	}
	result.Order = order
	if order.Status == model.OrderCreated {
		p.metrics.OrdersCreated.Add(1)
	}
	if order.Status == model.OrderNotCreated && order.Error != "" {
		return p.finish(ctx, result, cleaned, raw, model.StatusRequiresReview, order.Error)
	}
	return p.finish(ctx, result, cleaned, raw, model.StatusOK, "")
}

// matchLineItems fans line items out to bounded workers and reassembles the
// matches in input order.
func (p *Pipeline) matchLineItems(ctx context.Context, items []model.LineItem) ([]model.Match, error) {
	matches := make([]model.Match, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.config.LineItemConcurrency))

	for i := range items {
		g.Go(func() error {
			lineCtx, cancel := p.callCtx(gctx)
			defer cancel()
			m, err := p.retriever.MatchLineItem(lineCtx, &items[i])
			if err != nil {
				return fmt.Errorf("line %d: %w", i, err)
			}
			if err := p.confirmer.Confirm(lineCtx, &items[i], &m); err != nil {
				return fmt.Errorf("confirm line %d: %w", i, err)
			}
			matches[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return matches, nil
}

// reviewReasons collects everything that blocks unattended order creation.
func (p *Pipeline) reviewReasons(result *model.ProcessingResult) []string {
	var reasons []string
	if result.Extraction.IntentConfidence < p.config.AutoThreshold {
		reasons = append(reasons, fmt.Sprintf("intent confidence %.2f below auto threshold %.2f",
			result.Extraction.IntentConfidence, p.config.AutoThreshold))
	}
	if len(result.Extraction.LineItems) == 0 {
		reasons = append(reasons, "order inquiry with no line items")
	}
	for i, m := range result.Matches {
		switch {
		case m.ChosenProductID == nil:
			reasons = append(reasons, fmt.Sprintf("line %d unmatched", i+1))
		case m.RequiresReview:
			reasons = append(reasons, fmt.Sprintf("line %d needs review (%.2f via %s)", i+1, m.Confidence, m.Method))
		}
	}
	if result.CustomerMatch.CustomerID == nil {
		reasons = append(reasons, fmt.Sprintf("customer %q not in catalog", result.CustomerMatch.Name))
	} else if !result.ERP.CustomerVerified {
		reasons = append(reasons, "customer missing in ERP")
	}
	if result.ERP.Misses > 0 {
		reasons = append(reasons, fmt.Sprintf("%d ERP verification misses", result.ERP.Misses))
	}
	return reasons
}

// finish audits, indexes and notifies the result. The audit record lands on
// disk before the state index points at it.
func (p *Pipeline) finish(ctx context.Context, result *model.ProcessingResult, cleaned *cleaner.CleanedMessage,
	raw []byte, status, reason string) (*model.ProcessingResult, error) {
	result.Status = status
	if reason != "" {
		result.ReviewReasons = append(result.ReviewReasons, reason)
	}

	dir, err := p.auditor.Write(result, cleaned, raw)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if err := p.state.RecordProcessed(state.ProcessedMessage{
		MessageID: result.MessageID,
		OrderID:   result.OrderID,
		AuditDir:  dir,
		Status:    result.Status,
		CreatedAt: result.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("index result: %w", err)
	}

	p.metrics.Processed.Add(1)
	switch status {
	case model.StatusRequiresReview:
		p.metrics.ReviewRequired.Add(1)
	case model.StatusFailed:
		p.metrics.Failed.Add(1)
	}

	if _, err := p.notifier.NotifyResult(ctx, result); err != nil {
		// Notification failure never fails processing; the audit trail holds
		// the record.
		p.logger.Warn("digest delivery failed", "order_id", result.OrderID, "error", err)
	}
	return result, nil
}
