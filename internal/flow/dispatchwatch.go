package flow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"albumbot/internal/album"
	"albumbot/internal/dispatch"
	"albumbot/internal/session"
	kit "albumbot/internal/transport"
	logx "albumbot/pkg/logx"
)

// startDispatch snapshots the queue, splits it and hands the result to the
// dispatch service. The snapshot is atomic: items from a still-open upload
// that close later start a fresh queue.
func (f *Flow) startDispatch(s *session.Session) {
	ctx, cancel := context.WithTimeout(f.ctx(), 10*time.Second)
	defer cancel()

	items := s.SnapshotAndClear()
	if len(items) < album.MinAlbumItems {
		// queue shrank between trigger and confirmation (reset from another path)
		s.SetState(session.StateIdle)
		f.reply(ctx, s, "Not enough media left to build an album.")
		return
	}

	cfg := f.config()
	policy, ok := s.Policy()
	if !ok {
		policy = cfg.DefaultPolicy
	}
	caption, _ := s.Caption()
	dest := s.Destination()

	batches := album.ApplyCaption(album.Split(items, policy), caption, cfg.CaptionPlacement)
	s.SetState(session.StateDispatching)

	out, err := f.dispatcher.Submit(dispatch.Request{
		UserID:   s.UserID(),
		GroupKey: albumKey(items),
		Dest:     dest,
		Batches:  batches,
	})
	if err != nil {
		s.Reset()
		switch {
		case errors.Is(err, dispatch.ErrDuplicateGroup):
			f.reply(ctx, s, "This exact album was delivered recently; skipping the duplicate.")
		default:
			f.log.Error("submit failed", logx.Int64("user", s.UserID()), logx.Err(err))
			f.reply(ctx, s, "Could not queue the delivery: "+err.Error())
		}
		return
	}

	f.log.Info("album dispatch started",
		logx.Int64("user", s.UserID()),
		logx.String("dest", dest.Key()),
		logx.String("policy", policy.String()),
		logx.Int("items", len(items)),
		logx.Int("batches", len(batches)))

	f.prompt(ctx, s, "Sending "+strconv.Itoa(len(items))+" items in "+
		strconv.Itoa(len(batches))+" batch(es) to "+destLabel(dest)+"...", nil)

	go f.watchDispatch(s, out, len(batches), dest)
}

// watchDispatch consumes the outcome stream, keeps the progress message
// current and posts the final summary. Runs on its own goroutine per
// delivery.
func (f *Flow) watchDispatch(s *session.Session, out <-chan dispatch.Outcome, total int, dest kit.ChatTarget) {
	var sent, failed int
	for o := range out {
		if o.Err != nil {
			failed++
			f.log.Warn("batch failed",
				logx.Int64("user", s.UserID()), logx.Int("batch", o.Index), logx.Err(o.Err))
		} else {
			sent++
		}
		if o.Index+1 < total {
			f.updateProgress(s, sent, failed, total, o.Remaining)
		}
	}
	f.finishDispatch(s, sent, failed, total, dest)
}

func (f *Flow) updateProgress(s *session.Session, sent, failed, total int, remaining time.Duration) {
	ref := s.Prompt()
	if ref.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(f.ctx(), 10*time.Second)
	defer cancel()

	text := "Progress: " + strconv.Itoa(sent+failed) + "/" + strconv.Itoa(total) + " batches"
	if failed > 0 {
		text += " (" + strconv.Itoa(failed) + " failed)"
	}
	if remaining > 0 {
		text += ", ~" + remaining.Round(time.Second).String() + " left"
	}
	if err := f.adapter.EditText(ctx, ref, text, nil); err != nil {
		f.log.Debug("progress edit failed", logx.Int64("user", s.UserID()), logx.Err(err))
	}
}

// finishDispatch posts the summary, returns the session to idle and schedules
// removal of the transient status message. The standing destination survives.
func (f *Flow) finishDispatch(s *session.Session, sent, failed, total int, dest kit.ChatTarget) {
	ctx, cancel := context.WithTimeout(f.ctx(), 10*time.Second)
	defer cancel()

	var text string
	switch {
	case failed == 0:
		text = "Done. " + strconv.Itoa(sent) + "/" + strconv.Itoa(total) + " batches delivered to " + destLabel(dest) + "."
	case sent == 0:
		text = "Delivery failed: none of the " + strconv.Itoa(total) + " batches went through."
	default:
		text = "Delivered " + strconv.Itoa(sent) + "/" + strconv.Itoa(total) +
			" batches to " + destLabel(dest) + "; " + strconv.Itoa(failed) + " failed."
	}

	ref := s.Prompt()
	s.Reset()

	if !ref.IsZero() {
		if err := f.adapter.EditText(ctx, ref, text, nil); err != nil {
			if ref2, err2 := f.adapter.SendText(ctx, kit.ChatTarget{ChatID: s.Chat()}, text, nil); err2 == nil {
				ref = ref2
			}
		}
	} else {
		if ref2, err := f.adapter.SendText(ctx, kit.ChatTarget{ChatID: s.Chat()}, text, nil); err == nil {
			ref = ref2
		}
	}

	cfg := f.config()
	if cfg.CleanupDelay > 0 && !ref.IsZero() {
		del := ref
		s.ScheduleCleanup(cfg.CleanupDelay, func() {
			dctx, dcancel := context.WithTimeout(f.ctx(), 10*time.Second)
			defer dcancel()
			_ = f.adapter.DeleteMessage(dctx, del)
		})
	}

	f.log.Info("album dispatch finished",
		logx.Int64("user", s.UserID()),
		logx.String("dest", dest.Key()),
		logx.Int("sent", sent), logx.Int("failed", failed), logx.Int("total", total))
}
