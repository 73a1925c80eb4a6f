package adapters

import (
	"encoding/json"
	"net/http"

	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/prebid-exchange/config"
	"github.com/prebid/prebid-exchange/openrtb_ext"
)

// Bidder describes how to connect to external demand.
//
// Implementations are pure translators. They never perform network calls themselves: the exchange
// sends the requests they build and hands the responses back to MakeBids.
type Bidder interface {
	// MakeRequests makes the HTTP requests which should be made to fetch bids.
	//
	// Bidder implementations can assume that the incoming BidRequest has only the imps addressed to them,
	// each with Imp.Ext of the form {"bidder": params}, where "params" has been validated against the
	// static/bidder-params/{bidder}.json JSON Schema when one exists.
	//
	// nil return values are acceptable, but nil elements *inside* those slices are not.
	//
	// The errors should contain a list of errors which explain why this bidder's bids will be
	// "subpar" in some way. For example: the request contained ad types which this bidder doesn't support.
	//
	// If the error is caused by bad user input, return an errortypes.BadInput.
	MakeRequests(request *openrtb2.BidRequest) ([]*RequestData, []error)

	// MakeBids unpacks the server's response into Bids.
	//
	// The internal request is the one this bidder received from the exchange. The external request
	// is the one which produced this response.
	//
	// The bids can be nil (for no bids), but should not contain nil elements.
	//
	// The errors should contain a list of errors which explain why this bidder's bids will be
	// "subpar" in some way. For example: the server response didn't have the expected format.
	//
	// If the error was caused by bad user input, return an errortypes.BadInput.
	// If the error was caused by a bad server response, return an errortypes.BadServerResponse
	MakeBids(internalRequest *openrtb2.BidRequest, externalRequest *RequestData, response *ResponseData) (*BidderResponse, []error)
}

// Builder is a function which creates a Bidder from its configuration.
type Builder func(bidderName openrtb_ext.BidderName, cfg config.Adapter) (Bidder, error)

// BidderResponse wraps the server's response with the list of bids and the currency used by the bidder.
//
// Currency declaration is not mandatory but helps to detect an eventual currency mismatch issue.
// From the bid response, the bidder accepts a list of valid currencies for the bid.
// The currency is the same across all bids.
type BidderResponse struct {
	Currency string
	Bids     []*TypedBid
	// SeatExt is copied verbatim to seatbid[i].ext.bidder when this bidder has bids.
	SeatExt json.RawMessage
}

// NewBidderResponseWithBidsCapacity create a new BidderResponse initialising the bids array capacity and the default currency value
// to "USD".
//
// bidsCapacity allows to set initial Bids array capacity.
// By default, currency is USD but this behavior might be subject to change.
func NewBidderResponseWithBidsCapacity(bidsCapacity int) *BidderResponse {
	return &BidderResponse{
		Currency: "USD",
		Bids:     make([]*TypedBid, 0, bidsCapacity),
	}
}

// TypedBid packages the openrtb2.Bid with any bidder-specific information that PBS needs to populate an
// openrtb_ext.ExtBidPrebid.
//
// TypedBid.Bid.Ext will become "response.seatbid[i].bid.ext.bidder" in the final OpenRTB response.
// TypedBid.BidType will become "response.seatbid[i].bid.ext.prebid.type" in the final OpenRTB response.
type TypedBid struct {
	Bid     *openrtb2.Bid
	BidType openrtb_ext.BidType
}

// ResponseData packages together information from the server's http.Response.
//
// This exists so that the exchange can implement its "debug" functionality uniformly across all Bidders.
// It will also let us replace the http client implementation in the future, without breaking Bidders' code.
type ResponseData struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// RequestData packages together the fields needed to make an http.Request.
type RequestData struct {
	Method  string
	Uri     string
	Body    []byte
	Headers http.Header
	ImpIDs  []string
}

// GetImpIDs returns the ids of every imp in the slice, in order.
func GetImpIDs(imps []openrtb2.Imp) []string {
	impIDs := make([]string, len(imps))
	for i := range imps {
		impIDs[i] = imps[i].ID
	}
	return impIDs
}
