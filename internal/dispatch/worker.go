package dispatch

import (
	"context"
	"time"

	"albumbot/internal/album"
	"albumbot/internal/eventbus"
	"albumbot/internal/storage"
	kit "albumbot/internal/transport"
	logx "albumbot/pkg/logx"
)

func (s *Service) run(ctx context.Context, cfg Config, req Request, out chan<- Outcome) {
	start := time.Now()
	total := len(req.Batches)
	destKey := req.Dest.Key()
	log := s.log.With(logx.Int64("user", req.UserID), logx.String("dest", destKey), logx.String("group", req.GroupKey))

	ds := s.dest(destKey)
	// One in-flight submission per destination; later submissions queue here.
	ds.mu.Lock()
	defer ds.mu.Unlock()

	log.Info("delivery started", logx.Int("batches", total))

	var processed, failed, items int
	for i, b := range req.Batches {
		items += len(b.Items)

		if err := s.pace(ctx, cfg, ds); err != nil {
			// Service shutdown mid-delivery: report the rest as failed.
			for j := i; j < total; j++ {
				out <- Outcome{Index: j, Err: err}
			}
			return
		}

		refs, err := s.sendBatch(ctx, cfg, req.Dest, b, log)
		processed++
		if err != nil {
			failed++
			log.Warn("batch failed", logx.Int("batch", i+1), logx.Int("of", total), logx.Err(err))
		} else {
			ds.lastSend = time.Now()
			if req.Dest.Broadcast() && len(refs) > 0 {
				// Best-effort pin of the first message of the batch.
				if perr := s.adapter.PinMessage(ctx, refs[0]); perr != nil {
					log.Debug("pin failed", logx.Int("batch", i+1), logx.Err(perr))
				}
			}
		}

		remaining := s.estimateRemaining(start, processed, total)
		out <- Outcome{Index: i, Refs: refs, Err: err, Remaining: remaining}

		if s.bus != nil {
			typ := eventbus.TypeDispatchProgress
			if processed == total {
				typ = eventbus.TypeDispatchDone
			}
			s.bus.Publish(eventbus.Event{Type: typ, Data: ProgressEvent{
				UserID: req.UserID, GroupKey: req.GroupKey, Dest: destKey,
				Processed: processed, Total: total, Failed: failed, Remaining: remaining,
			}})
		}
	}

	s.recordDelivery(cfg, req, total, items, failed)

	fields := []logx.Field{
		logx.Int("batches", total), logx.Int("failed", failed),
		logx.Duration("took", time.Since(start)),
	}
	if failed > 0 {
		log.Warn("delivery finished with failures", fields...)
	} else {
		log.Info("delivery finished", fields...)
	}
}

// pace enforces the minimum inter-batch delay for the destination. The first
// send to a destination goes out immediately. Caller holds ds.mu.
func (s *Service) pace(ctx context.Context, cfg Config, ds *destState) error {
	if ds.lastSend.IsZero() {
		return nil
	}
	delay := s.nextDelay(cfg, ds)
	wait := delay - time.Since(ds.lastSend)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sendBatch attempts one batch, retrying on provider throttling signals for
// exactly the requested wait, up to cfg.RetryMax retries. Other errors are
// returned as-is: the caller skips the batch and continues.
func (s *Service) sendBatch(ctx context.Context, cfg Config, dest kit.ChatTarget, b album.Batch, log logx.Logger) ([]kit.MessageRef, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		refs, err := s.adapter.SendAlbum(ctx, dest, b.Items, b.Caption)
		if err == nil {
			return refs, nil
		}
		lastErr = err

		wait, throttled := kit.Throttled(err)
		if !throttled || attempt >= cfg.RetryMax {
			return nil, lastErr
		}

		log.Debug("throttled; sleeping before retry",
			logx.Duration("retry_after", wait), logx.Int("attempt", attempt+1), logx.Int("max", cfg.RetryMax))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// estimateRemaining projects the time left from the average observed
// per-batch duration so far.
func (s *Service) estimateRemaining(start time.Time, processed, total int) time.Duration {
	if processed <= 0 || processed >= total {
		return 0
	}
	avg := time.Since(start) / time.Duration(processed)
	return avg * time.Duration(total-processed)
}

func (s *Service) recordDelivery(cfg Config, req Request, batches, items, failed int) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if cfg.DedupWindow > 0 && req.GroupKey != "" && failed == 0 {
		if err := s.store.PutDedup(ctx, dedupKey(req), time.Now().Add(cfg.DedupWindow)); err != nil {
			s.log.Debug("dedup write failed", logx.Err(err))
		}
	}
	err := s.store.AppendDelivery(ctx, storage.DeliveryEntry{
		GroupKey: req.GroupKey,
		UserID:   req.UserID,
		Dest:     req.Dest.Key(),
		Batches:  batches,
		Items:    items,
		Failed:   failed,
	})
	if err != nil {
		s.log.Debug("delivery log write failed", logx.Err(err))
	}
}
