package exchange

import (
	"sort"

	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/prebid-exchange/openrtb_ext"
)

// auction stores the Bids for a single call to Exchange.HoldAuction().
// Construct these with the newAuction() function.
type auction struct {
	// winningBids is a map from imp.id to the highest overall CPM bid in that imp.
	winningBids map[string]*pbsOrtbBid
	// winningBidsByBidder stores the highest bid on each imp by each bidder.
	winningBidsByBidder map[string]map[openrtb_ext.BidderName]*pbsOrtbBid
	// cacheIds stores the UUIDs from Prebid Cache for fetching the full bid JSON.
	cacheIds map[*openrtb2.Bid]string
	// vastCacheIds stores UUIDS from Prebid cache for each bid's VAST markup.
	vastCacheIds map[*openrtb2.Bid]string
}

// newAuction ranks the bids. Ties go to the bidder whose name sorts first.
func newAuction(seatBids map[openrtb_ext.BidderName]*pbsOrtbSeatBid, numImps int) *auction {
	winningBids := make(map[string]*pbsOrtbBid, numImps)
	winningBidsByBidder := make(map[string]map[openrtb_ext.BidderName]*pbsOrtbBid, numImps)

	bidderNames := make([]openrtb_ext.BidderName, 0, len(seatBids))
	for bidderName := range seatBids {
		bidderNames = append(bidderNames, bidderName)
	}
	openrtb_ext.SortBidderNames(bidderNames)

	for _, bidderName := range bidderNames {
		seatBid := seatBids[bidderName]
		if seatBid == nil {
			continue
		}
		for _, bid := range seatBid.bids {
			cpm := bid.bid.Price
			wbid, ok := winningBids[bid.bid.ImpID]
			if !ok || cpm > wbid.bid.Price {
				winningBids[bid.bid.ImpID] = bid
			}
			if bidMap, ok := winningBidsByBidder[bid.bid.ImpID]; ok {
				bestSoFar, ok := bidMap[bidderName]
				if !ok || cpm > bestSoFar.bid.Price {
					bidMap[bidderName] = bid
				}
			} else {
				winningBidsByBidder[bid.bid.ImpID] = map[openrtb_ext.BidderName]*pbsOrtbBid{bidderName: bid}
			}
		}
	}

	return &auction{
		winningBids:         winningBids,
		winningBidsByBidder: winningBidsByBidder,
	}
}

// forEachBestBid runs the callback on the highest bid of each bidder on each imp.
// Imps and bidders are visited in sorted order.
func (a *auction) forEachBestBid(callback func(impID string, bidder openrtb_ext.BidderName, bid *pbsOrtbBid, winner bool)) {
	impIDs := make([]string, 0, len(a.winningBidsByBidder))
	for impID := range a.winningBidsByBidder {
		impIDs = append(impIDs, impID)
	}
	sort.Strings(impIDs)

	for _, impID := range impIDs {
		bidderMap := a.winningBidsByBidder[impID]
		overallWinner := a.winningBids[impID]
		bidderNames := make([]openrtb_ext.BidderName, 0, len(bidderMap))
		for bidderName := range bidderMap {
			bidderNames = append(bidderNames, bidderName)
		}
		openrtb_ext.SortBidderNames(bidderNames)
		for _, bidderName := range bidderNames {
			bid := bidderMap[bidderName]
			callback(impID, bidderName, bid, bid == overallWinner)
		}
	}
}

func (a *auction) cacheId(bid *openrtb2.Bid) (id string, exists bool) {
	id, exists = a.cacheIds[bid]
	return
}

func (a *auction) vastCacheId(bid *openrtb2.Bid) (id string, exists bool) {
	id, exists = a.vastCacheIds[bid]
	return
}
