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

type labelRecord struct {
	Subject   string `json:"subject"`
	Value     string `json:"value"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func (i *Ingester) createOrUpdateLabel(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error {
	var rec labelRecord
	if err := json.Unmarshal(evt.Record, &rec); err != nil {
		return rejectRecord("malformed_record", "failed to decode label record: %v", err)
	}
	if rec.Subject == "" || rec.Value == "" {
		return rejectRecord("malformed_record", "label record missing subject or value")
	}

	createdAt, err := syntax.ParseDatetimeTime(rec.CreatedAt)
	if err != nil {
		return rejectRecord("bad_datetime", "invalid createdAt: %v", err)
	}

	label := models.Label{
		Subject:   rec.Subject,
		Rkey:      evt.Rkey,
		Value:     rec.Value,
		Reason:    rec.Reason,
		Actor:     evt.Did,
		CreatedAt: createdAt.UnixMilli(),
	}
	if rec.ExpiresAt != "" {
		expiresAt, err := syntax.ParseDatetimeTime(rec.ExpiresAt)
		if err != nil {
			return rejectRecord("bad_datetime", "invalid expiresAt: %v", err)
		}
		ms := expiresAt.UnixMilli()
		label.ExpiresAt = &ms
	}

	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject"}, {Name: "rkey"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "reason", "actor", "expires_at", "created_at"}),
	}).Create(&label).Error
	if err != nil {
		return fmt.Errorf("failed to upsert label %s/%s: %w", rec.Subject, evt.Rkey, err)
	}
	return nil
}

func (i *Ingester) deleteLabel(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error {
	return tx.Where("actor = ? AND rkey = ?", evt.Did, evt.Rkey).Delete(&models.Label{}).Error
}
