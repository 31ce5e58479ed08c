// Package media implements content integrity checks for gif and webp
// blobs: CID recomputation, format sniffing with dimension bounds, and a
// bounded streaming fetch guard for pulling blobs from an account's PDS.
package media

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

var (
	// ErrUnsupportedHash means the claimed CID uses a multihash function
	// other than sha2-256. We refuse to verify such content rather than
	// serving it unchecked.
	ErrUnsupportedHash = errors.New("unsupported multihash function in cid")

	// ErrHashMismatch means the recomputed digest of the fetched bytes
	// does not match the claimed CID.
	ErrHashMismatch = errors.New("content hash does not match claimed cid")
)

// VerifyCID recomputes the content identifier of data using the hash
// parameters declared in the claimed CID and compares the result.
// Only sha2-256 is accepted.
func VerifyCID(claimed cid.Cid, data []byte) error {
	prefix := claimed.Prefix()
	if prefix.MhType != mh.SHA2_256 {
		return fmt.Errorf("%w: function code 0x%x", ErrUnsupportedHash, prefix.MhType)
	}

	actual, err := prefix.Sum(data)
	if err != nil {
		return fmt.Errorf("failed to recompute cid: %w", err)
	}

	if !actual.Equals(claimed) {
		return fmt.Errorf("%w: claimed %s, computed %s", ErrHashMismatch, claimed, actual)
	}
	return nil
}
