package exchange

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/prebid-exchange/errortypes"
	"github.com/prebid/prebid-exchange/openrtb_ext"
	"github.com/prebid/prebid-exchange/prebid_cache_client"
)

type extCacheInstructions struct {
	cacheBids, cacheVAST bool
	bidsTTL, vastTTL     int64
}

func (i extCacheInstructions) needsCache() bool {
	return i.cacheBids || i.cacheVAST
}

func getExtCacheInstructions(requestExt *openrtb_ext.ExtRequest) extCacheInstructions {
	var instructions extCacheInstructions
	if requestExt == nil || requestExt.Prebid.Cache == nil {
		return instructions
	}
	if bids := requestExt.Prebid.Cache.Bids; bids != nil {
		instructions.cacheBids = true
		instructions.bidsTTL = bids.TTLSeconds
	}
	if vast := requestExt.Prebid.Cache.VastXML; vast != nil {
		instructions.cacheVAST = true
		instructions.vastTTL = vast.TTLSeconds
	}
	return instructions
}

// cacheBids stores the best bid of each bidder on each imp with a single call to the cache.
// Failures never remove bids; they come back as warnings for the response.
func (e *exchange) cacheBids(ctx context.Context, auc *auction, instructions extCacheInstructions) []error {
	if e.cache == nil {
		return []error{&errortypes.Warning{
			Message:     "Bids were not cached: no cache is configured on this host",
			WarningCode: errortypes.CacheWarningCode,
		}}
	}
	errs := auc.doCache(ctx, e.cache, instructions, e.defaultCacheTTL)
	warnings := make([]error, 0, len(errs))
	for _, err := range errs {
		warnings = append(warnings, &errortypes.Warning{
			Message:     fmt.Sprintf("Error caching bids: %v", err),
			WarningCode: errortypes.CacheWarningCode,
		})
	}
	return warnings
}

// doCache fills in auction.cacheIds and auction.vastCacheIds. Handles come back from the cache in the
// order the items were sent, which is how they are mapped to bids.
func (a *auction) doCache(ctx context.Context, cache prebid_cache_client.Client, instructions extCacheInstructions, defaultTTL int64) []error {
	type cacheSlot struct {
		bid  *openrtb2.Bid
		vast bool
	}
	var (
		toCache []prebid_cache_client.Cacheable
		slots   []cacheSlot
		errs    []error
	)

	a.forEachBestBid(func(impID string, bidder openrtb_ext.BidderName, bid *pbsOrtbBid, winner bool) {
		if instructions.cacheBids {
			if jsonBytes, err := json.Marshal(bid.bid); err == nil {
				toCache = append(toCache, prebid_cache_client.Cacheable{
					Type:       prebid_cache_client.TypeJSON,
					Data:       jsonBytes,
					TTLSeconds: cacheTTL(bid.bid, instructions.bidsTTL, defaultTTL),
				})
				slots = append(slots, cacheSlot{bid: bid.bid})
			} else {
				glog.Errorf("Error marshalling OpenRTB Bid from %s for Prebid Cache: %v", bidder, err)
				errs = append(errs, &errortypes.FailedToMarshal{Message: err.Error()})
			}
		}
		if instructions.cacheVAST && bid.bidType == openrtb_ext.BidTypeVideo {
			vastXML, err := json.Marshal(makeVAST(bid.bid))
			if err != nil {
				errs = append(errs, &errortypes.FailedToMarshal{Message: err.Error()})
				return
			}
			toCache = append(toCache, prebid_cache_client.Cacheable{
				Type:       prebid_cache_client.TypeXML,
				Data:       vastXML,
				TTLSeconds: cacheTTL(bid.bid, instructions.vastTTL, defaultTTL),
			})
			slots = append(slots, cacheSlot{bid: bid.bid, vast: true})
		}
	})

	if len(toCache) == 0 {
		return errs
	}

	ids, putErrs := cache.PutJson(ctx, toCache)
	errs = append(errs, putErrs...)

	a.cacheIds = make(map[*openrtb2.Bid]string, len(slots))
	a.vastCacheIds = make(map[*openrtb2.Bid]string)
	for i, slot := range slots {
		if i >= len(ids) || ids[i] == "" {
			continue
		}
		if slot.vast {
			a.vastCacheIds[slot.bid] = ids[i]
		} else {
			a.cacheIds[slot.bid] = ids[i]
		}
	}
	return errs
}

// cacheTTL prefers the bid's own expiry, then the one the request asked for, then the host default.
func cacheTTL(bid *openrtb2.Bid, requestTTL int64, defaultTTL int64) int64 {
	if bid.Exp > 0 {
		return bid.Exp
	}
	if requestTTL > 0 {
		return requestTTL
	}
	return defaultTTL
}

// makeVAST returns some VAST XML for the given bid. If AdM is defined,
// it takes precedence. Otherwise the Nurl will be wrapped in a redirect tag.
func makeVAST(bid *openrtb2.Bid) string {
	if bid.AdM == "" {
		return `<VAST version="3.0"><Ad><Wrapper>` +
			`<AdSystem>prebid.org wrapper</AdSystem>` +
			`<VASTAdTagURI><![CDATA[` + bid.NURL + `]]></VASTAdTagURI>` +
			`<Impression></Impression><Creatives></Creatives>` +
			`</Wrapper></Ad></VAST>`
	}
	return bid.AdM
}
