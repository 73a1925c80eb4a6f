package exchange

import (
	"encoding/json"

	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/prebid-exchange/openrtb_ext"
)

// pbsOrtbBid is a Bid returned by an AdaptedBidder.
//
// pbsOrtbBid.bid.Ext will become "response.seatbid[i].bid.ext.bidder" in the final OpenRTB response.
// pbsOrtbBid.bidType will become "response.seatbid[i].bid.ext.prebid.type" in the final OpenRTB response.
type pbsOrtbBid struct {
	bid     *openrtb2.Bid
	bidType openrtb_ext.BidType
}

// pbsOrtbSeatBid is a SeatBid returned by an AdaptedBidder.
//
// This is distinct from the openrtb2.SeatBid so that the prebid-exchange ext can be passed back with typesafety.
type pbsOrtbSeatBid struct {
	// bids is the list of bids which this AdaptedBidder wishes to make, in the order it emitted them.
	bids []*pbsOrtbBid
	// currency is the currency in which the bids are made.
	// Should be a valid currency ISO code.
	currency string
	// httpCalls is the list of debugging info. It should only be populated if the request.test == 1.
	// This will become response.ext.debug.httpcalls.{bidder} on the final Response.
	httpCalls []*openrtb_ext.ExtHttpCall
	// ext contains the extension for this seatbid.
	// if len(bids) > 0, this will become response.seatbid[i].ext.{bidder} on the final OpenRTB response.
	// if len(bids) == 0, this will be ignored because the OpenRTB spec doesn't allow a SeatBid with 0 Bids.
	ext json.RawMessage
}

func newEmptySeatBid() *pbsOrtbSeatBid {
	return &pbsOrtbSeatBid{
		bids:     make([]*pbsOrtbBid, 0),
		currency: defaultCurrency,
	}
}
