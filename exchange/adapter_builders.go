package exchange

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/prebid/prebid-exchange/adapters"
	"github.com/prebid/prebid-exchange/adapters/generic"
	"github.com/prebid/prebid-exchange/config"
	"github.com/prebid/prebid-exchange/openrtb_ext"
)

// newAdapterBuilders returns the implementations a configured bidder can select with its adapter setting.
func newAdapterBuilders() map[openrtb_ext.BidderName]adapters.Builder {
	return map[openrtb_ext.BidderName]adapters.Builder{
		openrtb_ext.BidderGeneric: generic.Builder,
	}
}

// BuildAdapters makes an AdaptedBidder for every enabled bidder in cfg.Adapters. All bidders share the client.
func BuildAdapters(client *http.Client, cfg *config.Configuration) (map[openrtb_ext.BidderName]AdaptedBidder, []error) {
	bidders, errs := buildBidders(cfg.Adapters, newAdapterBuilders())
	if len(errs) > 0 {
		return nil, errs
	}

	exchangeBidders := make(map[openrtb_ext.BidderName]AdaptedBidder, len(bidders))
	for bidderName, bidder := range bidders {
		exchangeBidders[bidderName] = AdaptBidder(bidder, client)
	}
	return exchangeBidders, nil
}

func buildBidders(adapterConfigs map[string]config.Adapter, builders map[openrtb_ext.BidderName]adapters.Builder) (map[openrtb_ext.BidderName]adapters.Bidder, []error) {
	bidders := make(map[openrtb_ext.BidderName]adapters.Bidder)
	var errs []error

	for bidder, adapterConfig := range adapterConfigs {
		if adapterConfig.Disabled {
			continue
		}
		if openrtb_ext.IsBidderNameReserved(bidder) {
			errs = append(errs, fmt.Errorf("%v: reserved name cannot be used for a bidder", bidder))
			continue
		}

		bidderName := openrtb_ext.BidderName(bidder)
		builder, builderFound := builders[openrtb_ext.BidderName(adapterConfig.AdapterCode(bidder))]
		if !builderFound {
			errs = append(errs, fmt.Errorf("%v: builder not registered for adapter %s", bidder, adapterConfig.AdapterCode(bidder)))
			continue
		}

		bidderInstance, builderErr := builder(bidderName, adapterConfig)
		if builderErr != nil {
			errs = append(errs, fmt.Errorf("%v: %v", bidder, builderErr))
			continue
		}
		bidders[bidderName] = bidderInstance
	}
	return bidders, errs
}

// BidderNames lists the bidders in sorted order, for metrics registration.
func BidderNames(bidders map[openrtb_ext.BidderName]AdaptedBidder) []openrtb_ext.BidderName {
	names := make([]openrtb_ext.BidderName, 0, len(bidders))
	for name := range bidders {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
