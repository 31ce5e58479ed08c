package media

import (
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
)

// ParsePostKey validates the "<tid>:<cid>" record key format used by
// media-bearing posts and returns the embedded cid. The key binds a post
// to its blob's content hash, making it tamper-evident.
func ParsePostKey(rkey string) (cid.Cid, error) {
	tidStr, cidStr, found := strings.Cut(rkey, ":")
	if !found {
		return cid.Undef, fmt.Errorf("rkey %q is not in tid:cid format", rkey)
	}
	if _, err := syntax.ParseTID(tidStr); err != nil {
		return cid.Undef, fmt.Errorf("invalid tid in rkey: %w", err)
	}
	c, err := cid.Decode(cidStr)
	if err != nil {
		return cid.Undef, fmt.Errorf("invalid cid in rkey: %w", err)
	}
	return c, nil
}
