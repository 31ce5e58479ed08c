package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gifdex/gifdex/models"
	"github.com/gifdex/gifdex/tap"
)

type favouriteRecord struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

func (i *Ingester) createFavourite(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error {
	var rec favouriteRecord
	if err := json.Unmarshal(evt.Record, &rec); err != nil {
		return rejectRecord("malformed_record", "failed to decode favourite record: %v", err)
	}

	subject, err := syntax.ParseATURI(rec.Subject)
	if err != nil {
		return rejectRecord("bad_subject", "invalid subject at-uri: %v", err)
	}
	if subject.RecordKey() == "" {
		return rejectRecord("bad_subject", "subject at-uri %q has no record key", rec.Subject)
	}

	createdAt, err := syntax.ParseDatetimeTime(rec.CreatedAt)
	if err != nil {
		return rejectRecord("bad_datetime", "invalid createdAt: %v", err)
	}

	fav := models.PostFavourite{
		Did:       evt.Did,
		Rkey:      evt.Rkey,
		PostDid:   subject.Authority().String(),
		PostRkey:  subject.RecordKey().String(),
		CreatedAt: createdAt.UnixMilli(),
	}

	// Favouriting the same post twice is a no-op, not a conflict.
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}, {Name: "rkey"}},
		DoNothing: true,
	}).Create(&fav).Error
	if err != nil {
		return fmt.Errorf("failed to insert favourite %s/%s: %w", evt.Did, evt.Rkey, err)
	}
	return nil
}

func (i *Ingester) deleteFavourite(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error {
	return tx.Where("did = ? AND rkey = ?", evt.Did, evt.Rkey).Delete(&models.PostFavourite{}).Error
}
