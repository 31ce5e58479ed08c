package models

// AccountStatus mirrors the account states reported by the tap relay's
// identity events.
type AccountStatus string

const (
	AccountStatusActive      AccountStatus = "active"
	AccountStatusTakendown   AccountStatus = "takendown"
	AccountStatusSuspended   AccountStatus = "suspended"
	AccountStatusDeactivated AccountStatus = "deactivated"
	AccountStatusDeleted     AccountStatus = "deleted"
	AccountStatusError       AccountStatus = "error"
)

// Account is one row per tracked repository. Rev is the per-account
// progress bookmark; it only ever advances inside the same transaction
// as a record mutation attributed to the account.
//
// The profile columns (DisplayName through AvatarCID) are user-declared
// via net.gifdex.actor.profile records, not identity events.
type Account struct {
	Did      string `gorm:"primaryKey"`
	Handle   string
	PDS      string
	IsActive bool
	Status   AccountStatus
	Rev      string

	DisplayName string
	Description string
	Pronouns    string
	AvatarCID   string `gorm:"column:avatar_cid"`

	CreatedAt int64
	IndexedAt int64 `gorm:"autoCreateTime:milli"`
}

// Post is a media-bearing feed record. Rkey has the form "<tid>:<cid>",
// binding the key to the media blob's CID.
type Post struct {
	ID    uint   `gorm:"primarykey"`
	Did   string `gorm:"index:idx_post_did_rkey,unique"`
	Rkey  string `gorm:"index:idx_post_did_rkey,unique"`
	Title string

	MediaCID    string
	MediaMime   string
	MediaAlt    string
	MediaWidth  int64
	MediaHeight int64

	Tags      []string `gorm:"serializer:json"`
	Languages []string `gorm:"serializer:json"`

	CreatedAt int64
	EditedAt  int64
	IndexedAt int64 `gorm:"autoCreateTime:milli"`
}

// PostFavourite records one account favouriting a post. Duplicate
// deliveries are a no-op on the (did, rkey) natural key.
type PostFavourite struct {
	ID       uint   `gorm:"primarykey"`
	Did      string `gorm:"index:idx_fav_did_rkey,unique"`
	Rkey     string `gorm:"index:idx_fav_did_rkey,unique"`
	PostDid  string `gorm:"index:idx_fav_post"`
	PostRkey string `gorm:"index:idx_fav_post"`

	CreatedAt  int64
	IngestedAt int64 `gorm:"autoCreateTime:milli"`
}

// Label is a moderation label applied by a labeler account to a subject.
// Labels survive takedown/deletion of the actor account.
type Label struct {
	ID      uint   `gorm:"primarykey"`
	Subject string `gorm:"index:idx_label_subject_rkey,unique"`
	Rkey    string `gorm:"index:idx_label_subject_rkey,unique"`
	Value   string
	Reason  string
	Actor   string

	ExpiresAt  *int64
	CreatedAt  int64
	IngestedAt int64 `gorm:"autoCreateTime:milli"`
}

// LabelerRule describes how a labeler's label value should be treated.
type LabelerRule struct {
	ID          uint   `gorm:"primarykey"`
	Did         string `gorm:"index:idx_rule_did_rkey,unique"`
	Rkey        string `gorm:"index:idx_rule_did_rkey,unique"`
	Name        string
	Description string

	// Behaviour is either "annotate" or "moderate"; the setting columns
	// only apply to the matching variant.
	Behaviour      string
	DefaultSetting string
	AdultContent   bool
	Takedown       bool

	CreatedAt int64
	EditedAt  int64
	IndexedAt int64 `gorm:"autoCreateTime:milli"`
}
