package usersync

import "github.com/prebid/prebid-exchange/openrtb_ext"

// UIDMap is a fixed bidder to user id mapping, for callers which resolved identities elsewhere.
type UIDMap map[openrtb_ext.BidderName]string

// GetId returns the user id for the bidder, if one is known.
func (m UIDMap) GetId(bidder openrtb_ext.BidderName) (string, bool) {
	uid, ok := m[bidder]
	return uid, ok && uid != ""
}
