package syncd

import (
	"context"

	"go.uber.org/zap"

	"github.com/fibsync/fpmsyncd/internal/store"
)

const (
	deviceMetadataKey = "localhost"
	suppressField     = "suppress-fib-pending"
	suppressEnabled   = "enabled"
)

// suppressor keeps the response-notification feed attached exactly while
// suppression is enabled. It outlives individual feed sessions: suppression
// reflects operator configuration, not connection state.
type suppressor struct {
	translator Translator
	deviceMeta ConfigReader
	attach     AttachFunc
	feed       ResponseFeed // nil while detached
	logger     *zap.Logger
}

// init reads the configured suppression flag once, before the first
// session's dispatch loop starts.
func (sp *suppressor) init(ctx context.Context) error {
	val, err := sp.deviceMeta.HGet(ctx, deviceMetadataKey, suppressField)
	if err != nil {
		return err
	}
	if val == suppressEnabled {
		return sp.enable(ctx)
	}
	return nil
}

// C returns the response feed channel, or nil while detached.
func (sp *suppressor) C() <-chan store.KeyOpFieldValues {
	if sp.feed == nil {
		return nil
	}
	return sp.feed.C()
}

func (sp *suppressor) close() {
	if sp.feed != nil {
		sp.feed.Close()
		sp.feed = nil
	}
}

// handleConfigRecord processes one device-metadata change record. Records
// for other keys, non-set operations and unrelated fields are ignored.
func (sp *suppressor) handleConfigRecord(ctx context.Context, rec store.KeyOpFieldValues) error {
	if rec.Op != store.OpSet || rec.Key != deviceMetadataKey {
		return nil
	}
	for _, fv := range rec.FieldValues {
		if fv.Field != suppressField {
			continue
		}
		if fv.Value == suppressEnabled {
			if err := sp.enable(ctx); err != nil {
				return err
			}
		} else {
			if err := sp.disable(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sp *suppressor) enable(ctx context.Context) error {
	if sp.translator.IsSuppressionEnabled() {
		return nil
	}
	feed, err := sp.attach(ctx)
	if err != nil {
		return err
	}
	sp.feed = feed
	sp.translator.SetSuppressionEnabled(true)
	return nil
}

func (sp *suppressor) disable(ctx context.Context) error {
	if !sp.translator.IsSuppressionEnabled() {
		return nil
	}

	// Mark everything still pending as offloaded first: once the feed is
	// gone, no response could ever clear those routes.
	if err := sp.translator.MarkRoutesOffloaded(ctx); err != nil {
		return err
	}
	sp.translator.SetSuppressionEnabled(false)

	feed := sp.feed
	sp.feed = nil
	return feed.Close()
}
