package exchange

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/prebid-exchange/errortypes"
	"github.com/prebid/prebid-exchange/openrtb_ext"
	"github.com/prebid/prebid-exchange/prebid_cache_client"
)

// This piece takes all the bids supplied by the adapters and crafts an openRTB response to send back to the requester.
//
// Seats are emitted in bidder name order and seats without bids are left out. Every live bidder must
// have a result in adapterExtra: a missing one means the gather step is broken, and fails the auction.
func (e *exchange) buildBidResponse(liveAdapters []openrtb_ext.BidderName, adapterBids map[openrtb_ext.BidderName]*pbsOrtbSeatBid, adapterExtra map[openrtb_ext.BidderName]*seatResponseExtra, auc *auction, bidRequest *openrtb2.BidRequest, debugInfo bool, warnings []error) (*openrtb2.BidResponse, error) {
	for _, bidderName := range liveAdapters {
		if _, ok := adapterExtra[bidderName]; !ok {
			glog.Errorf("Auction %s has no result for bidder %s. Every bidder must report exactly once.", bidRequest.ID, bidderName)
			return nil, fmt.Errorf("auction result is missing bidder %s", bidderName)
		}
	}

	bidResponse := new(openrtb2.BidResponse)
	bidResponse.ID = bidRequest.ID

	bidResponseExt := e.makeExtBidResponse(liveAdapters, adapterBids, adapterExtra, bidRequest, debugInfo, warnings)

	// Create the SeatBids. We use a zero sized slice so that we can append non-zero seat bids, and not include seatBid
	// objects for seatBids without any bids. Preallocate the max possible size to avoid reallocating the array as we go.
	seatBids := make([]openrtb2.SeatBid, 0, len(liveAdapters))
	for _, bidderName := range liveAdapters {
		adapterSeatBid := adapterBids[bidderName]
		if adapterSeatBid == nil || len(adapterSeatBid.bids) == 0 {
			continue
		}
		sb, errs := e.makeSeatBid(adapterSeatBid, bidderName, auc)
		if len(errs) > 0 {
			bidResponseExt.Errors[bidderName] = append(bidResponseExt.Errors[bidderName], errsToBidderErrors(errs)...)
		}
		if len(sb.Bid) == 0 {
			continue
		}
		seatBids = append(seatBids, *sb)
		if bidResponse.Cur == "" {
			bidResponse.Cur = adapterSeatBid.currency
		}
	}
	bidResponse.SeatBid = seatBids

	ext, err := json.Marshal(bidResponseExt)
	if err != nil {
		glog.Errorf("Error marshalling bid response ext for auction %s: %v", bidRequest.ID, err)
		return nil, &errortypes.FailedToMarshal{Message: err.Error()}
	}
	bidResponse.Ext = ext
	return bidResponse, nil
}

// Debug httpcalls come from the snapshot each seat took when it was collected. Calls recorded after that are not reported.
func (e *exchange) makeExtBidResponse(liveAdapters []openrtb_ext.BidderName, adapterBids map[openrtb_ext.BidderName]*pbsOrtbSeatBid, adapterExtra map[openrtb_ext.BidderName]*seatResponseExtra, bidRequest *openrtb2.BidRequest, debugInfo bool, warnings []error) *openrtb_ext.ExtBidResponse {
	bidResponseExt := &openrtb_ext.ExtBidResponse{
		Errors:               make(map[openrtb_ext.BidderName][]openrtb_ext.ExtBidderMessage, len(liveAdapters)),
		Warnings:             make(map[openrtb_ext.BidderName][]openrtb_ext.ExtBidderMessage),
		ResponseTimeMillis:   make(map[openrtb_ext.BidderName]int, len(liveAdapters)),
		RequestTimeoutMillis: bidRequest.TMax,
	}
	if debugInfo {
		bidResponseExt.Debug = &openrtb_ext.ExtResponseDebug{
			HttpCalls: make(map[openrtb_ext.BidderName][]*openrtb_ext.ExtHttpCall),
		}
		if resolvedRequest, err := json.Marshal(bidRequest); err == nil {
			bidResponseExt.Debug.ResolvedRequest = resolvedRequest
		} else {
			glog.Errorf("Error marshalling the resolved request for auction %s: %v", bidRequest.ID, err)
		}
	}

	for _, bidderName := range liveAdapters {
		responseExtra := adapterExtra[bidderName]
		if debugInfo {
			if seatBid := adapterBids[bidderName]; seatBid != nil && len(seatBid.httpCalls) > 0 {
				bidResponseExt.Debug.HttpCalls[bidderName] = seatBid.httpCalls
			}
		}
		if len(responseExtra.Errors) > 0 {
			bidResponseExt.Errors[bidderName] = responseExtra.Errors
		}
		if len(responseExtra.Warnings) > 0 {
			bidResponseExt.Warnings[bidderName] = responseExtra.Warnings
		}
		bidResponseExt.ResponseTimeMillis[bidderName] = responseExtra.ResponseTimeMillis
	}

	if len(warnings) > 0 {
		bidResponseExt.Warnings[openrtb_ext.BidderReservedPrebid] = errsToBidderWarnings(warnings)
	}
	return bidResponseExt
}

// Return an openrtb seatBid for a bidder
// buildBidResponse is responsible for ensuring nil bid seatbids are not included
func (e *exchange) makeSeatBid(adapterBid *pbsOrtbSeatBid, adapter openrtb_ext.BidderName, auc *auction) (*openrtb2.SeatBid, []error) {
	seatBid := new(openrtb2.SeatBid)
	seatBid.Seat = adapter.String()
	// Prebid cannot support roadblocking
	seatBid.Group = 0

	var errList []error
	if len(adapterBid.ext) > 0 {
		sbExt := openrtb_ext.ExtSeatBid{
			Bidder: adapterBid.ext,
		}

		ext, err := json.Marshal(sbExt)
		if err != nil {
			errList = append(errList, &errortypes.FailedToMarshal{Message: err.Error()})
		}
		seatBid.Ext = ext
	}

	var bidErrors []error
	seatBid.Bid, bidErrors = e.makeBid(adapterBid.bids, auc)
	if len(bidErrors) > 0 {
		errList = append(errList, bidErrors...)
	}

	return seatBid, errList
}

// Create the Bid array inside of SeatBid
func (e *exchange) makeBid(bids []*pbsOrtbBid, auc *auction) ([]openrtb2.Bid, []error) {
	result := make([]openrtb2.Bid, 0, len(bids))
	errList := make([]error, 0, 1)

	for _, thisBid := range bids {
		bidExtPrebid := &openrtb_ext.ExtBidPrebid{
			Type:  thisBid.bidType,
			Cache: e.getBidCacheInfo(thisBid.bid, auc),
		}
		if e.bidIDGenerator.Enabled() {
			bidID, err := e.bidIDGenerator.New()
			if err != nil {
				errList = append(errList, &errortypes.Warning{Message: fmt.Sprintf("Error generating bid.ext.prebid.bidid: %v", err)})
			} else {
				bidExtPrebid.BidId = bidID
			}
		}

		ext, err := json.Marshal(&openrtb_ext.ExtBid{
			Prebid: bidExtPrebid,
			Bidder: thisBid.bid.Ext,
		})
		if err != nil {
			errList = append(errList, &errortypes.FailedToMarshal{Message: err.Error()})
			continue
		}
		result = append(result, *thisBid.bid)
		result[len(result)-1].Ext = ext
	}
	return result, errList
}

// getBidCacheInfo returns the cache handles attached to the bid by doCache, if any.
func (e *exchange) getBidCacheInfo(bid *openrtb2.Bid, auc *auction) *openrtb_ext.ExtBidPrebidCache {
	if auc == nil {
		return nil
	}
	var cacheInfo *openrtb_ext.ExtBidPrebidCache
	if uuid, found := auc.cacheId(bid); found {
		cacheInfo = &openrtb_ext.ExtBidPrebidCache{}
		cacheInfo.Bids = &openrtb_ext.ExtCacheInfo{
			Url:     buildCacheURL(e.cache, uuid),
			CacheId: uuid,
		}
	}
	if uuid, found := auc.vastCacheId(bid); found {
		if cacheInfo == nil {
			cacheInfo = &openrtb_ext.ExtBidPrebidCache{}
		}
		cacheInfo.VastXML = &openrtb_ext.ExtCacheInfo{
			Url:     buildCacheURL(e.cache, uuid),
			CacheId: uuid,
		}
	}
	return cacheInfo
}

func buildCacheURL(cache prebid_cache_client.Client, uuid string) string {
	if cache == nil {
		return ""
	}
	scheme, host, path := cache.GetExtCacheData()

	if host == "" || path == "" {
		return ""
	}

	query := url.Values{"uuid": []string{uuid}}
	cacheURL := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawQuery: query.Encode(),
	}

	// URLs without a scheme will begin with //, in which case we
	// want to trim it off to keep compatbile with current behavior.
	return strings.TrimPrefix(cacheURL.String(), "//")
}
