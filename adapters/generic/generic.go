package generic

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/prebid-exchange/adapters"
	"github.com/prebid/prebid-exchange/config"
	"github.com/prebid/prebid-exchange/errortypes"
	"github.com/prebid/prebid-exchange/openrtb_ext"
)

// adapter forwards the bidder's view of the request as-is to an OpenRTB 2.x endpoint.
type adapter struct {
	endpoint string
}

// Builder builds a new instance of the generic adapter for the given bidder with the given config.
func Builder(bidderName openrtb_ext.BidderName, cfg config.Adapter) (adapters.Bidder, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("adapter %s has no endpoint", bidderName)
	}
	bidder := &adapter{
		endpoint: cfg.Endpoint,
	}
	return bidder, nil
}

func (a *adapter) MakeRequests(request *openrtb2.BidRequest) ([]*adapters.RequestData, []error) {
	requestJSON, err := json.Marshal(request)
	if err != nil {
		return nil, []error{&errortypes.FailedToMarshal{Message: err.Error()}}
	}

	headers := http.Header{}
	headers.Add("Content-Type", "application/json;charset=utf-8")
	headers.Add("Accept", "application/json")
	headers.Add("x-openrtb-version", "2.6")

	requestData := &adapters.RequestData{
		Method:  http.MethodPost,
		Uri:     a.endpoint,
		Body:    requestJSON,
		Headers: headers,
		ImpIDs:  adapters.GetImpIDs(request.Imp),
	}

	return []*adapters.RequestData{requestData}, nil
}

// MakeBids only sees responses below 400. Failure statuses are turned into errors before it runs.
func (a *adapter) MakeBids(internalRequest *openrtb2.BidRequest, externalRequest *adapters.RequestData, response *adapters.ResponseData) (*adapters.BidderResponse, []error) {
	if response.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if response.StatusCode != http.StatusOK {
		return nil, []error{&errortypes.BadServerResponse{
			Message: fmt.Sprintf("Unexpected status code: %d.", response.StatusCode),
		}}
	}

	var bidResp openrtb2.BidResponse
	if err := json.Unmarshal(response.Body, &bidResp); err != nil {
		return nil, []error{&errortypes.BadServerResponse{
			Message: fmt.Sprintf("Bad server response: %v.", err),
		}}
	}

	bidResponse := adapters.NewBidderResponseWithBidsCapacity(len(internalRequest.Imp))
	if bidResp.Cur != "" {
		bidResponse.Currency = bidResp.Cur
	}

	var errs []error
	for _, sb := range bidResp.SeatBid {
		if len(bidResponse.SeatExt) == 0 && len(sb.Ext) > 0 {
			bidResponse.SeatExt = sb.Ext
		}
		for i := range sb.Bid {
			bid := sb.Bid[i]
			bidType, err := getBidType(bid, internalRequest.Imp)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			bidResponse.Bids = append(bidResponse.Bids, &adapters.TypedBid{
				Bid:     &bid,
				BidType: bidType,
			})
		}
	}
	return bidResponse, errs
}

func getBidType(bid openrtb2.Bid, imps []openrtb2.Imp) (openrtb_ext.BidType, error) {
	switch bid.MType {
	case openrtb2.MarkupBanner:
		return openrtb_ext.BidTypeBanner, nil
	case openrtb2.MarkupVideo:
		return openrtb_ext.BidTypeVideo, nil
	case openrtb2.MarkupAudio:
		return openrtb_ext.BidTypeAudio, nil
	case openrtb2.MarkupNative:
		return openrtb_ext.BidTypeNative, nil
	}

	for _, imp := range imps {
		if imp.ID == bid.ImpID {
			switch {
			case imp.Banner != nil:
				return openrtb_ext.BidTypeBanner, nil
			case imp.Video != nil:
				return openrtb_ext.BidTypeVideo, nil
			case imp.Audio != nil:
				return openrtb_ext.BidTypeAudio, nil
			case imp.Native != nil:
				return openrtb_ext.BidTypeNative, nil
			}
		}
	}
	return "", &errortypes.BadServerResponse{
		Message: fmt.Sprintf("Failed to find impression \"%s\" for bid \"%s\".", bid.ImpID, bid.ID),
	}
}
