package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gifdex/gifdex/models"
	"github.com/gifdex/gifdex/tap"
)

// ruleBehaviour is a tagged union: the $type suffix picks the variant
// and determines which of the setting fields are meaningful.
type ruleBehaviour struct {
	Type           string `json:"$type"`
	DefaultSetting string `json:"defaultSetting,omitempty"`
	AdultContent   bool   `json:"adultContent,omitempty"`
	Takedown       bool   `json:"takedown,omitempty"`
}

type ruleRecord struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Behaviour   ruleBehaviour `json:"behaviour"`
	CreatedAt   string        `json:"createdAt"`
}

func (i *Ingester) createOrUpdateRule(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error {
	var rec ruleRecord
	if err := json.Unmarshal(evt.Record, &rec); err != nil {
		return rejectRecord("malformed_record", "failed to decode rule record: %v", err)
	}

	createdAt, err := syntax.ParseDatetimeTime(rec.CreatedAt)
	if err != nil {
		return rejectRecord("bad_datetime", "invalid createdAt: %v", err)
	}

	rule := models.LabelerRule{
		Did:         evt.Did,
		Rkey:        evt.Rkey,
		Name:        rec.Name,
		Description: rec.Description,
		CreatedAt:   createdAt.UnixMilli(),
	}

	switch {
	case strings.HasSuffix(rec.Behaviour.Type, "#annotate"):
		rule.Behaviour = "annotate"
		rule.DefaultSetting = rec.Behaviour.DefaultSetting
		rule.AdultContent = rec.Behaviour.AdultContent
	case strings.HasSuffix(rec.Behaviour.Type, "#moderate"):
		rule.Behaviour = "moderate"
		rule.Takedown = rec.Behaviour.Takedown
	default:
		return rejectRecord("unknown_behaviour", "unknown rule behaviour %q", rec.Behaviour.Type)
	}

	if evt.Action == tap.ActionUpdate {
		rule.EditedAt = syntax.DatetimeNow().Time().UnixMilli()
	}

	err = tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "did"}, {Name: "rkey"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "description", "behaviour", "default_setting",
			"adult_content", "takedown", "created_at", "edited_at",
		}),
	}).Create(&rule).Error
	if err != nil {
		return fmt.Errorf("failed to upsert labeler rule %s/%s: %w", evt.Did, evt.Rkey, err)
	}
	return nil
}

func (i *Ingester) deleteRule(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error {
	return tx.Where("did = ? AND rkey = ?", evt.Did, evt.Rkey).Delete(&models.LabelerRule{}).Error
}
