package openrtb_ext

import "encoding/json"

// PrebidExtKey is the name of the prebid object inside every ext.
const PrebidExtKey = "prebid"

// BidderExtKey holds the bidder params inside the imp.ext each bidder receives.
const BidderExtKey = "bidder"

// ExtImp defines the contract for bidrequest.imp[i].ext.
//
// Bidder params may be set either under prebid.bidder.{bidder} or directly as imp.ext.{bidder}.
type ExtImp struct {
	Prebid *ExtImpPrebid `json:"prebid,omitempty"`
}

// ExtImpPrebid defines the contract for bidrequest.imp[i].ext.prebid
type ExtImpPrebid struct {
	Bidder map[string]json.RawMessage `json:"bidder,omitempty"`
}

// ExtImpBidder defines the contract for bidrequest.imp[i].ext as seen by a single bidder.
type ExtImpBidder struct {
	Bidder json.RawMessage `json:"bidder"`
}
