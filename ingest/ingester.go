// Package ingest projects tap channel events into the relational store.
// Each event is applied in its own transaction: the routed handler's row
// mutations and the owning account's rev bookmark commit together or not
// at all, so a redelivered event can never observe partial state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gifdex/gifdex/media"
	"github.com/gifdex/gifdex/models"
	"github.com/gifdex/gifdex/tap"
)

var tracer = otel.Tracer("ingest")

// errStaleRev signals that the account's stored rev is already ahead of
// the event's rev. The event is skipped and acked.
var errStaleRev = errors.New("account rev is ahead of event rev")

// recordRejection is a permanent, per-record failure. The enclosing
// transaction rolls back, the event is logged and acked, and nothing is
// persisted. Transient failures (upstream, database) are plain errors
// instead, which leave the event unacked for redelivery.
type recordRejection struct {
	reason string
	cause  error
}

func (e *recordRejection) Error() string {
	return fmt.Sprintf("rejected record (%s): %v", e.reason, e.cause)
}

func (e *recordRejection) Unwrap() error { return e.cause }

func rejectRecord(reason, format string, args ...any) error {
	return &recordRejection{reason: reason, cause: fmt.Errorf(format, args...)}
}

type Config struct {
	Logger *slog.Logger

	// ModerationDIDs are the only accounts whose labeler records are
	// projected. Labeler events from anyone else are rejected.
	ModerationDIDs []string
}

// Ingester applies tap events to the store. It is safe for concurrent
// use; per-account ordering is the caller's responsibility (the tap
// client's keyed dispatch provides it).
type Ingester struct {
	logger         *slog.Logger
	db             *gorm.DB
	dir            identity.Directory
	fetcher        *media.FetchGuard
	moderationDids map[string]bool
	router         map[string]collectionHandlers
}

func NewIngester(db *gorm.DB, dir identity.Directory, fetcher *media.FetchGuard, config Config) (*Ingester, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mods := make(map[string]bool, len(config.ModerationDIDs))
	for _, did := range config.ModerationDIDs {
		mods[did] = true
	}

	i := &Ingester{
		logger:         logger.With("component", "ingester"),
		db:             db,
		dir:            dir,
		fetcher:        fetcher,
		moderationDids: mods,
	}
	i.router = buildRouter(i)

	for nsid, handlers := range i.router {
		if handlers.createOrUpdate == nil || handlers.delete == nil {
			return nil, fmt.Errorf("incomplete handler registration for collection %s", nsid)
		}
	}

	return i, nil
}

// HandleEvent applies one channel event. A nil return means the event's
// effects (possibly none, for skipped or rejected events) are durable
// and the event can be acked.
func (i *Ingester) HandleEvent(ctx context.Context, evt *tap.Event) error {
	ctx, span := tracer.Start(ctx, "HandleEvent")
	defer span.End()

	eventsProcessed.WithLabelValues(evt.Type).Inc()

	switch evt.Type {
	case tap.EventTypeRecord:
		if evt.Record == nil {
			i.logger.Error("record event missing record payload", "id", evt.ID)
			return nil
		}
		return i.handleRecord(ctx, evt.Record)
	case tap.EventTypeIdentity:
		if evt.Identity == nil {
			i.logger.Error("identity event missing identity payload", "id", evt.ID)
			return nil
		}
		return i.handleIdentity(ctx, evt.Identity)
	default:
		i.logger.Error("unknown event type, skipping", "id", evt.ID, "type", evt.Type)
		return nil
	}
}

func (i *Ingester) handleIdentity(ctx context.Context, evt *tap.IdentityEvent) error {
	status := models.AccountStatus(evt.Status)

	// Deleted and takendown accounts are purged: the account row and its
	// content go, labels applied by or to the account stay.
	if status == models.AccountStatusDeleted || status == models.AccountStatusTakendown {
		err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("did = ?", evt.Did).Delete(&models.Post{}).Error; err != nil {
				return err
			}
			if err := tx.Where("did = ?", evt.Did).Delete(&models.PostFavourite{}).Error; err != nil {
				return err
			}
			return tx.Where("did = ?", evt.Did).Delete(&models.Account{}).Error
		})
		if err != nil {
			return fmt.Errorf("failed to purge account %s: %w", evt.Did, err)
		}
		i.logger.Info("purged account data", "did", evt.Did, "status", evt.Status)
		accountsPurged.Inc()
		return nil
	}

	did, err := syntax.ParseDID(evt.Did)
	if err != nil {
		i.logger.Warn("identity event with invalid did, skipping", "did", evt.Did, "error", err)
		return nil
	}

	ident, err := i.dir.LookupDID(ctx, did)
	if err != nil {
		return fmt.Errorf("failed to resolve identity for %s: %w", evt.Did, err)
	}

	acc := models.Account{
		Did:      evt.Did,
		Handle:   evt.Handle,
		PDS:      ident.PDSEndpoint(),
		IsActive: evt.IsActive,
		Status:   status,
	}
	err = i.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns([]string{"handle", "pds", "is_active", "status"}),
	}).Create(&acc).Error
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", evt.Did, err)
	}
	return nil
}

func (i *Ingester) handleRecord(ctx context.Context, evt *tap.RecordEvent) error {
	handlers, ok := i.router[evt.Collection]
	if !ok {
		// The relay should only forward collections this deployment
		// understands; anything else is a deployment config problem,
		// not a bad record.
		unknownCollections.WithLabelValues(evt.Collection).Inc()
		i.logger.Error("no handler registered for collection, check the relay's collection filter",
			"collection", evt.Collection, "did", evt.Did, "rkey", evt.Rkey)
		return nil
	}

	if strings.HasPrefix(evt.Collection, labelerPrefix) && !i.moderationDids[evt.Did] {
		recordsRejected.WithLabelValues("unauthorized_labeler").Inc()
		i.logger.Warn("rejected labeler record from non-moderation account",
			"collection", evt.Collection, "did", evt.Did, "rkey", evt.Rkey)
		return nil
	}

	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc models.Account
		lookupErr := tx.Where("did = ?", evt.Did).First(&acc).Error
		// Replays are detected on rev alone. An event that failed
		// transiently is also dropped here if a newer event for the
		// same account commits before the relay redelivers it; that
		// gap is only recoverable by backfilling the account.
		if lookupErr == nil && acc.Rev > evt.Rev {
			return errStaleRev
		} else if lookupErr != nil && !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}

		switch evt.Action {
		case tap.ActionCreate, tap.ActionUpdate:
			if err := handlers.createOrUpdate(ctx, tx, evt); err != nil {
				return err
			}
		case tap.ActionDelete:
			if err := handlers.delete(ctx, tx, evt); err != nil {
				return err
			}
		default:
			return rejectRecord("unknown_action", "unknown record action %q", evt.Action)
		}

		// Advance the rev bookmark in the same transaction as the
		// record mutation, creating the account row if the identity
		// event hasn't arrived yet.
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "did"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"rev": evt.Rev}),
		}).Create(&models.Account{Did: evt.Did, Rev: evt.Rev}).Error
	})

	if errors.Is(err, errStaleRev) {
		staleRevSkips.Inc()
		i.logger.Warn("skipping event with stale rev",
			"did", evt.Did, "collection", evt.Collection, "rkey", evt.Rkey, "rev", evt.Rev)
		return nil
	}

	var rejection *recordRejection
	if errors.As(err, &rejection) {
		recordsRejected.WithLabelValues(rejection.reason).Inc()
		i.logger.Warn("rejected record",
			"reason", rejection.reason, "error", rejection.cause,
			"did", evt.Did, "collection", evt.Collection, "rkey", evt.Rkey)
		return nil
	}

	return err
}

// resolvePDS returns the full PDS endpoint URL for a did, preferring the
// stored account row and falling back to a directory lookup.
func (i *Ingester) resolvePDS(ctx context.Context, tx *gorm.DB, didStr string) (string, error) {
	var acc models.Account
	if err := tx.Where("did = ?", didStr).First(&acc).Error; err == nil && acc.PDS != "" {
		return acc.PDS, nil
	}

	did, err := syntax.ParseDID(didStr)
	if err != nil {
		return "", rejectRecord("bad_did", "invalid did %q: %v", didStr, err)
	}

	ident, err := i.dir.LookupDID(ctx, did)
	if err != nil {
		return "", fmt.Errorf("failed to resolve identity for %s: %w", didStr, err)
	}
	pds := ident.PDSEndpoint()
	if pds == "" {
		return "", fmt.Errorf("identity for %s declares no pds endpoint", didStr)
	}
	return pds, nil
}
