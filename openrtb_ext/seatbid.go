package openrtb_ext

import "encoding/json"

// ExtSeatBid defines the contract for bidresponse.seatbid[i].ext
type ExtSeatBid struct {
	Bidder json.RawMessage `json:"bidder,omitempty"`
}
