package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gifdex/gifdex/media"
	"github.com/gifdex/gifdex/models"
	"github.com/gifdex/gifdex/tap"
)

const (
	testDid    = "did:plc:alice"
	testModDid = "did:plc:moderation"
	testTid    = "3jzfcijpj2z2a"
)

type testEnv struct {
	t   *testing.T
	db  *gorm.DB
	ing *Ingester

	// blobs served by the fake PDS, keyed by cid string
	blobs map[string][]byte
}

func setupTestEnv(t *testing.T) *testEnv {
	dbName := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := models.SetupDatabase(fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", dbName), 1)
	require.NoError(t, err)

	env := &testEnv{t: t, db: db, blobs: map[string][]byte{}}

	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		blob, ok := env.blobs[r.URL.Query().Get("cid")]
		if !ok {
			http.Error(w, "blob not found", http.StatusNotFound)
			return
		}
		w.Write(blob)
	}))
	t.Cleanup(pds.Close)

	dir := identity.NewMockDirectory()
	for _, did := range []string{testDid, testModDid} {
		dir.Insert(identity.Identity{
			DID:    syntax.DID(did),
			Handle: "user.example.com",
			Services: map[string]identity.ServiceEndpoint{
				"atproto_pds": {Type: "AtprotoPersonalDataServer", URL: pds.URL},
			},
		})
	}

	ing, err := NewIngester(db, dir, media.NewFetchGuard(), Config{
		ModerationDIDs: []string{testModDid},
	})
	require.NoError(t, err)
	env.ing = ing
	return env
}

// gifBlob builds a minimal gif header at the given dimensions and
// registers it with the fake PDS, returning the bytes and their cid.
func (env *testEnv) gifBlob(width, height int) ([]byte, cid.Cid) {
	buf := []byte("GIF89a")
	buf = append(buf,
		byte(width), byte(width>>8),
		byte(height), byte(height>>8),
		0x00, 0x00, 0x00,
	)
	for len(buf) < 32 {
		buf = append(buf, 0x00)
	}

	prefix := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: mh.SHA2_256, MhLength: -1}
	c, err := prefix.Sum(buf)
	require.NoError(env.t, err)

	env.blobs[c.String()] = buf
	return buf, c
}

func (env *testEnv) recordEvent(did, collection, rkey, action, rev string, record any) *tap.Event {
	payload, err := json.Marshal(record)
	require.NoError(env.t, err)
	return &tap.Event{
		ID:   1,
		Type: tap.EventTypeRecord,
		Record: &tap.RecordEvent{
			Live:       true,
			Did:        did,
			Rev:        rev,
			Collection: collection,
			Rkey:       rkey,
			Action:     action,
			Record:     payload,
		},
	}
}

func postRecordJSON(c cid.Cid, size int, title string) map[string]any {
	return map[string]any{
		"title": title,
		"media": map[string]any{
			"blob": map[string]any{
				"$type":    "blob",
				"ref":      map[string]any{"$link": c.String()},
				"mimeType": "image/gif",
				"size":     size,
			},
			"alt": "a looping cat",
		},
		"tags":      []string{"cats"},
		"createdAt": "2024-01-01T00:00:00.000Z",
	}
}

func (env *testEnv) accountRev(did string) string {
	var acc models.Account
	if err := env.db.Where("did = ?", did).First(&acc).Error; err != nil {
		return ""
	}
	return acc.Rev
}

func TestPostCreateAndIdempotentRedelivery(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	blob, c := env.gifBlob(100, 50)
	rkey := testTid + ":" + c.String()
	evt := env.recordEvent(testDid, CollectionPost, rkey, tap.ActionCreate, "3l2aaaaaaaaaa",
		postRecordJSON(c, len(blob), "cat gif"))

	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var post models.Post
	require.NoError(t, env.db.Where("did = ? AND rkey = ?", testDid, rkey).First(&post).Error)
	assert.Equal(t, "cat gif", post.Title)
	assert.Equal(t, c.String(), post.MediaCID)
	assert.Equal(t, "image/gif", post.MediaMime)
	assert.Equal(t, int64(100), post.MediaWidth)
	assert.Equal(t, int64(50), post.MediaHeight)
	assert.Equal(t, []string{"cats"}, post.Tags)
	assert.Zero(t, post.EditedAt)
	assert.Equal(t, "3l2aaaaaaaaaa", env.accountRev(testDid))

	// identical redelivery must be a clean no-op
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, env.db.Model(&models.Post{}).Where("did = ?", testDid).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var after models.Post
	require.NoError(t, env.db.Where("did = ? AND rkey = ?", testDid, rkey).First(&after).Error)
	assert.Equal(t, post.Title, after.Title)
	assert.Equal(t, post.EditedAt, after.EditedAt)
}

func TestPostUpdateSetsEditedAt(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	blob, c := env.gifBlob(100, 50)
	rkey := testTid + ":" + c.String()

	create := env.recordEvent(testDid, CollectionPost, rkey, tap.ActionCreate, "3l2aaaaaaaaaa",
		postRecordJSON(c, len(blob), "cat gif"))
	require.NoError(t, env.ing.HandleEvent(ctx, create))

	update := env.recordEvent(testDid, CollectionPost, rkey, tap.ActionUpdate, "3l2aaaaaaaaab",
		postRecordJSON(c, len(blob), "better cat gif"))
	require.NoError(t, env.ing.HandleEvent(ctx, update))

	var post models.Post
	require.NoError(t, env.db.Where("did = ? AND rkey = ?", testDid, rkey).First(&post).Error)
	assert.Equal(t, "better cat gif", post.Title)
	assert.NotZero(t, post.EditedAt)
	assert.Equal(t, "3l2aaaaaaaaab", env.accountRev(testDid))
}

func TestPostRejectedOnRkeyCidMismatch(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	blob, c := env.gifBlob(100, 50)
	_, other := env.gifBlob(64, 64)

	// rkey carries a different cid than the blob declares
	rkey := testTid + ":" + other.String()
	evt := env.recordEvent(testDid, CollectionPost, rkey, tap.ActionCreate, "3l2aaaaaaaaaa",
		postRecordJSON(c, len(blob), "cat gif"))

	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, env.db.Model(&models.Post{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, env.accountRev(testDid), "rejected record must not advance rev")
}

func TestPostRejectedOnHashMismatch(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	blob, c := env.gifBlob(100, 50)
	// the PDS serves different (but still valid gif) bytes for this cid
	tampered, _ := env.gifBlob(64, 64)
	env.blobs[c.String()] = tampered

	rkey := testTid + ":" + c.String()
	evt := env.recordEvent(testDid, CollectionPost, rkey, tap.ActionCreate, "3l2aaaaaaaaaa",
		postRecordJSON(c, len(blob), "cat gif"))

	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, env.db.Model(&models.Post{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPostRejectedOnBadRkey(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	blob, c := env.gifBlob(100, 50)
	rec := postRecordJSON(c, len(blob), "cat gif")

	for _, rkey := range []string{
		"noseparator",
		"not-a-tid:" + c.String(),
		testTid + ":not-a-cid",
	} {
		evt := env.recordEvent(testDid, CollectionPost, rkey, tap.ActionCreate, "3l2aaaaaaaaaa", rec)
		require.NoError(t, env.ing.HandleEvent(ctx, evt))
	}

	var count int64
	require.NoError(t, env.db.Model(&models.Post{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPostFetchFailureLeavesEventUnacked(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	blob, c := env.gifBlob(100, 50)
	// PDS no longer has the blob: transient, should surface an error
	delete(env.blobs, c.String())

	rkey := testTid + ":" + c.String()
	evt := env.recordEvent(testDid, CollectionPost, rkey, tap.ActionCreate, "3l2aaaaaaaaaa",
		postRecordJSON(c, len(blob), "cat gif"))

	require.Error(t, env.ing.HandleEvent(ctx, evt))
	assert.Empty(t, env.accountRev(testDid))
}

func TestPostDelete(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	blob, c := env.gifBlob(100, 50)
	rkey := testTid + ":" + c.String()
	create := env.recordEvent(testDid, CollectionPost, rkey, tap.ActionCreate, "3l2aaaaaaaaaa",
		postRecordJSON(c, len(blob), "cat gif"))
	require.NoError(t, env.ing.HandleEvent(ctx, create))

	del := env.recordEvent(testDid, CollectionPost, rkey, tap.ActionDelete, "3l2aaaaaaaaab", nil)
	del.Record.Record = nil
	require.NoError(t, env.ing.HandleEvent(ctx, del))

	var count int64
	require.NoError(t, env.db.Model(&models.Post{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, "3l2aaaaaaaaab", env.accountRev(testDid))
}

func TestStaleRevSkipped(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.db.Create(&models.Account{Did: testDid, Rev: "3l2zzzzzzzzzz"}).Error)

	blob, c := env.gifBlob(100, 50)
	rkey := testTid + ":" + c.String()
	evt := env.recordEvent(testDid, CollectionPost, rkey, tap.ActionCreate, "3l2aaaaaaaaaa",
		postRecordJSON(c, len(blob), "cat gif"))

	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, env.db.Model(&models.Post{}).Count(&count).Error)
	assert.Zero(t, count, "stale event must not mutate rows")
	assert.Equal(t, "3l2zzzzzzzzzz", env.accountRev(testDid), "stale event must not regress rev")
}

func TestUnknownCollectionSkipped(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	evt := env.recordEvent(testDid, "net.gifdex.feed.unknown", "abc", tap.ActionCreate, "3l2aaaaaaaaaa",
		map[string]any{"whatever": true})

	require.NoError(t, env.ing.HandleEvent(ctx, evt))
	assert.Empty(t, env.accountRev(testDid), "unknown collection must not advance rev")
}

func TestFavouriteIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	rec := map[string]any{
		"subject":   "at://did:plc:bob/net.gifdex.feed.post/" + testTid + ":bafyabc",
		"createdAt": "2024-01-01T00:00:00.000Z",
	}
	evt := env.recordEvent(testDid, CollectionFavourite, testTid, tap.ActionCreate, "3l2aaaaaaaaaa", rec)

	require.NoError(t, env.ing.HandleEvent(ctx, evt))
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var favs []models.PostFavourite
	require.NoError(t, env.db.Find(&favs).Error)
	require.Len(t, favs, 1)
	assert.Equal(t, "did:plc:bob", favs[0].PostDid)
	assert.Equal(t, testTid+":bafyabc", favs[0].PostRkey)
}

func TestFavouriteRejectedOnBadSubject(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	rec := map[string]any{"subject": "not an at-uri", "createdAt": "2024-01-01T00:00:00.000Z"}
	evt := env.recordEvent(testDid, CollectionFavourite, testTid, tap.ActionCreate, "3l2aaaaaaaaaa", rec)

	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, env.db.Model(&models.PostFavourite{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestProfileUpsertAndDelete(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	rec := map[string]any{
		"displayName": "Alice",
		"description": "gif enjoyer",
		"pronouns":    "they/them",
	}
	evt := env.recordEvent(testDid, CollectionProfile, "self", tap.ActionCreate, "3l2aaaaaaaaaa", rec)
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var acc models.Account
	require.NoError(t, env.db.Where("did = ?", testDid).First(&acc).Error)
	assert.Equal(t, "Alice", acc.DisplayName)
	assert.Equal(t, "they/them", acc.Pronouns)

	del := env.recordEvent(testDid, CollectionProfile, "self", tap.ActionDelete, "3l2aaaaaaaaab", nil)
	del.Record.Record = nil
	require.NoError(t, env.ing.HandleEvent(ctx, del))

	require.NoError(t, env.db.Where("did = ?", testDid).First(&acc).Error)
	assert.Empty(t, acc.DisplayName)
	assert.Empty(t, acc.Description)
	assert.Empty(t, acc.Pronouns)
}

func TestProfileRejectedOnNonSelfRkey(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	rec := map[string]any{"displayName": "Alice"}
	evt := env.recordEvent(testDid, CollectionProfile, "other", tap.ActionCreate, "3l2aaaaaaaaaa", rec)
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, env.db.Model(&models.Account{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestLabelerRecordsGatedToModerationAccounts(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	rec := map[string]any{
		"subject":   "at://did:plc:bob/net.gifdex.feed.post/abc",
		"value":     "spam",
		"createdAt": "2024-01-01T00:00:00.000Z",
	}

	// non-moderation account: rejected
	evt := env.recordEvent(testDid, CollectionLabel, testTid, tap.ActionCreate, "3l2aaaaaaaaaa", rec)
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, env.db.Model(&models.Label{}).Count(&count).Error)
	assert.Zero(t, count)

	// moderation account: projected
	evt = env.recordEvent(testModDid, CollectionLabel, testTid, tap.ActionCreate, "3l2aaaaaaaaaa", rec)
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var label models.Label
	require.NoError(t, env.db.First(&label).Error)
	assert.Equal(t, "spam", label.Value)
	assert.Equal(t, testModDid, label.Actor)
}

func TestLabelerRuleVariants(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	annotate := map[string]any{
		"name":        "spam",
		"description": "unsolicited reposts",
		"behaviour": map[string]any{
			"$type":          "net.gifdex.labeler.rule#annotate",
			"defaultSetting": "warn",
			"adultContent":   false,
		},
		"createdAt": "2024-01-01T00:00:00.000Z",
	}
	evt := env.recordEvent(testModDid, CollectionRule, "rule1", tap.ActionCreate, "3l2aaaaaaaaaa", annotate)
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	moderate := map[string]any{
		"name":        "csam",
		"description": "illegal content",
		"behaviour": map[string]any{
			"$type":    "net.gifdex.labeler.rule#moderate",
			"takedown": true,
		},
		"createdAt": "2024-01-01T00:00:00.000Z",
	}
	evt = env.recordEvent(testModDid, CollectionRule, "rule2", tap.ActionCreate, "3l2aaaaaaaaab", moderate)
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var rules []models.LabelerRule
	require.NoError(t, env.db.Order("rkey").Find(&rules).Error)
	require.Len(t, rules, 2)
	assert.Equal(t, "annotate", rules[0].Behaviour)
	assert.Equal(t, "warn", rules[0].DefaultSetting)
	assert.Equal(t, "moderate", rules[1].Behaviour)
	assert.True(t, rules[1].Takedown)

	unknown := map[string]any{
		"name":      "mystery",
		"behaviour": map[string]any{"$type": "net.gifdex.labeler.rule#mystery"},
		"createdAt": "2024-01-01T00:00:00.000Z",
	}
	evt = env.recordEvent(testModDid, CollectionRule, "rule3", tap.ActionCreate, "3l2aaaaaaaaac", unknown)
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, env.db.Model(&models.LabelerRule{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestIdentityUpsert(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	evt := &tap.Event{
		ID:   1,
		Type: tap.EventTypeIdentity,
		Identity: &tap.IdentityEvent{
			Did:      testDid,
			Handle:   "alice.example.com",
			IsActive: true,
			Status:   "active",
		},
	}
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var acc models.Account
	require.NoError(t, env.db.Where("did = ?", testDid).First(&acc).Error)
	assert.Equal(t, "alice.example.com", acc.Handle)
	assert.True(t, acc.IsActive)
	assert.Equal(t, models.AccountStatusActive, acc.Status)
	assert.NotEmpty(t, acc.PDS)
}

func TestTakedownPurgesContentButKeepsLabels(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.db.Create(&models.Account{Did: testDid, Handle: "alice.example.com"}).Error)
	require.NoError(t, env.db.Create(&models.Post{Did: testDid, Rkey: "p1", Title: "gone soon"}).Error)
	require.NoError(t, env.db.Create(&models.PostFavourite{Did: testDid, Rkey: "f1"}).Error)
	require.NoError(t, env.db.Create(&models.Label{Subject: "at://" + testDid, Rkey: "l1", Value: "spam", Actor: testModDid}).Error)

	evt := &tap.Event{
		ID:   1,
		Type: tap.EventTypeIdentity,
		Identity: &tap.IdentityEvent{
			Did:      testDid,
			Handle:   "alice.example.com",
			IsActive: false,
			Status:   "takendown",
		},
	}
	require.NoError(t, env.ing.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, env.db.Model(&models.Account{}).Where("did = ?", testDid).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, env.db.Model(&models.Post{}).Where("did = ?", testDid).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, env.db.Model(&models.PostFavourite{}).Where("did = ?", testDid).Count(&count).Error)
	assert.Zero(t, count)

	require.NoError(t, env.db.Model(&models.Label{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "labels must survive a takedown purge")
}
