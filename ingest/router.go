package ingest

import (
	"context"

	"gorm.io/gorm"

	"github.com/gifdex/gifdex/tap"
)

// Collection NSIDs understood by this deployment. The relay's collection
// filter should be configured to exactly this set.
const (
	CollectionPost      = "net.gifdex.feed.post"
	CollectionFavourite = "net.gifdex.feed.favourite"
	CollectionProfile   = "net.gifdex.actor.profile"
	CollectionLabel     = "net.gifdex.labeler.label"
	CollectionRule      = "net.gifdex.labeler.rule"
)

const labelerPrefix = "net.gifdex.labeler."

// recordHandlerFunc mutates rows for one record event inside the
// caller's transaction. Returning a recordRejection rolls back and acks;
// any other error rolls back and leaves the event unacked.
type recordHandlerFunc func(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error

type collectionHandlers struct {
	createOrUpdate recordHandlerFunc
	delete         recordHandlerFunc
}

// buildRouter returns the closed collection dispatch table. There is no
// fallback entry: unknown collections are handled (skipped and logged)
// by the ingester before dispatch.
func buildRouter(i *Ingester) map[string]collectionHandlers {
	return map[string]collectionHandlers{
		CollectionPost:      {i.createOrUpdatePost, i.deletePost},
		CollectionFavourite: {i.createFavourite, i.deleteFavourite},
		CollectionProfile:   {i.createOrUpdateProfile, i.deleteProfile},
		CollectionLabel:     {i.createOrUpdateLabel, i.deleteLabel},
		CollectionRule:      {i.createOrUpdateRule, i.deleteRule},
	}
}

// Collections lists every NSID the router can handle.
func Collections() []string {
	return []string{
		CollectionPost,
		CollectionFavourite,
		CollectionProfile,
		CollectionLabel,
		CollectionRule,
	}
}
