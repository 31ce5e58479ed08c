package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/ipfs/go-cid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gifdex/gifdex/models"
	"github.com/gifdex/gifdex/tap"
)

type profileRecord struct {
	DisplayName string           `json:"displayName,omitempty"`
	Description string           `json:"description,omitempty"`
	Pronouns    string           `json:"pronouns,omitempty"`
	Avatar      *lexutil.LexBlob `json:"avatar,omitempty"`
}

var profileColumns = []string{"display_name", "description", "pronouns", "avatar_cid"}

func (i *Ingester) createOrUpdateProfile(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error {
	if evt.Rkey != "self" {
		return rejectRecord("bad_rkey", "actor profile must use the rkey \"self\", got %q", evt.Rkey)
	}

	var rec profileRecord
	if err := json.Unmarshal(evt.Record, &rec); err != nil {
		return rejectRecord("malformed_record", "failed to decode profile record: %v", err)
	}

	acc := models.Account{
		Did:         evt.Did,
		DisplayName: rec.DisplayName,
		Description: rec.Description,
		Pronouns:    rec.Pronouns,
	}
	if rec.Avatar != nil {
		acc.AvatarCID = cid.Cid(rec.Avatar.Ref).String()
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns(profileColumns),
	}).Create(&acc).Error
	if err != nil {
		return fmt.Errorf("failed to upsert profile for %s: %w", evt.Did, err)
	}
	return nil
}

// deleteProfile clears the user-declared profile columns but leaves the
// account row itself in place.
func (i *Ingester) deleteProfile(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error {
	return tx.Model(&models.Account{}).Where("did = ?", evt.Did).
		Updates(map[string]interface{}{
			"display_name": "",
			"description":  "",
			"pronouns":     "",
			"avatar_cid":   "",
		}).Error
}
