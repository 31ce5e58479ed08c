package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/ipfs/go-cid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gifdex/gifdex/media"
	"github.com/gifdex/gifdex/models"
	"github.com/gifdex/gifdex/tap"
)

var allowedPostMimes = map[string]bool{
	"image/gif":  true,
	"image/webp": true,
}

type postMedia struct {
	Blob lexutil.LexBlob `json:"blob"`
	Alt  string          `json:"alt,omitempty"`
}

type postRecord struct {
	Title     string    `json:"title"`
	Media     postMedia `json:"media"`
	Tags      []string  `json:"tags,omitempty"`
	Languages []string  `json:"languages,omitempty"`
	CreatedAt string    `json:"createdAt"`
}

func (i *Ingester) createOrUpdatePost(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error {
	var rec postRecord
	if err := json.Unmarshal(evt.Record, &rec); err != nil {
		return rejectRecord("malformed_record", "failed to decode post record: %v", err)
	}

	// The rkey binds the key to the media blob's cid, making the post
	// key tamper-evident. Reject anything that doesn't line up.
	rkeyCid, err := media.ParsePostKey(evt.Rkey)
	if err != nil {
		return rejectRecord("bad_rkey", "%v", err)
	}
	blobCid := cid.Cid(rec.Media.Blob.Ref)
	if !rkeyCid.Equals(blobCid) {
		return rejectRecord("rkey_cid_mismatch", "rkey cid %s does not match blob cid %s", rkeyCid, blobCid)
	}

	if !allowedPostMimes[rec.Media.Blob.MimeType] {
		return rejectRecord("bad_mime", "blob declares disallowed mime type %q", rec.Media.Blob.MimeType)
	}
	if rec.Media.Blob.Size > media.MaxBlobSize {
		return rejectRecord("too_large", "blob declares size %d above maximum", rec.Media.Blob.Size)
	}

	createdAt, err := syntax.ParseDatetimeTime(rec.CreatedAt)
	if err != nil {
		return rejectRecord("bad_datetime", "invalid createdAt: %v", err)
	}

	pds, err := i.resolvePDS(ctx, tx, evt.Did)
	if err != nil {
		return err
	}

	// Pull the actual bytes from the owning PDS and verify them before
	// trusting anything the record declared.
	blob, info, err := i.fetcher.FetchImage(ctx, media.BlobURL(pds, evt.Did, blobCid.String()))
	if err != nil {
		if errors.Is(err, media.ErrTooLarge) ||
			errors.Is(err, media.ErrUnknownFormat) ||
			errors.Is(err, media.ErrBadDimensions) {
			return rejectRecord("bad_blob", "%v", err)
		}
		return fmt.Errorf("failed to fetch blob for %s/%s: %w", evt.Did, evt.Rkey, err)
	}
	if err := media.VerifyCID(blobCid, blob); err != nil {
		return rejectRecord("integrity", "%v", err)
	}

	post := models.Post{
		Did:         evt.Did,
		Rkey:        evt.Rkey,
		Title:       rec.Title,
		MediaCID:    blobCid.String(),
		MediaMime:   info.MIME,
		MediaAlt:    rec.Media.Alt,
		MediaWidth:  int64(info.Width),
		MediaHeight: int64(info.Height),
		Tags:        rec.Tags,
		Languages:   rec.Languages,
		CreatedAt:   createdAt.UnixMilli(),
	}
	if evt.Action == tap.ActionUpdate {
		post.EditedAt = syntax.DatetimeNow().Time().UnixMilli()
	}

	err = tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "did"}, {Name: "rkey"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "media_alt", "tags", "languages", "created_at", "edited_at",
		}),
	}).Create(&post).Error
	if err != nil {
		return fmt.Errorf("failed to upsert post %s/%s: %w", evt.Did, evt.Rkey, err)
	}
	return nil
}

func (i *Ingester) deletePost(ctx context.Context, tx *gorm.DB, evt *tap.RecordEvent) error {
	return tx.Where("did = ? AND rkey = ?", evt.Did, evt.Rkey).Delete(&models.Post{}).Error
}
