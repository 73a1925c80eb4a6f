package exchange

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/buger/jsonparser"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/prebid-exchange/errortypes"
	"github.com/prebid/prebid-exchange/openrtb_ext"
)

// cleanOpenRTBRequests splits the input request into requests which are sanitized for each bidder. Intended behavior is:
//
//  1. BidRequest.Imp[].Ext will only contain a "bidder" field which has the params for the intended Bidder.
//  2. Every BidRequest.Imp[] requested Bids from the Bidder who keys it.
//  3. BidRequest.User.BuyerUID will be set to that Bidder's ID.
//
// The input request is never mutated. Malformed imp extensions fail the whole request with an *errortypes.BadInput.
func cleanOpenRTBRequests(orig *openrtb2.BidRequest, usersyncs IdFetcher) (map[openrtb_ext.BidderName]*openrtb2.BidRequest, error) {
	impsByBidder, err := splitImps(orig.Imp)
	if err != nil {
		return nil, err
	}

	explicitBuyerUIDs, user, err := extractBuyerUIDs(orig.User)
	if err != nil {
		return nil, err
	}

	requestsByBidder := make(map[openrtb_ext.BidderName]*openrtb2.BidRequest, len(impsByBidder))
	for bidder, imps := range impsByBidder {
		reqCopy := *orig
		reqCopy.User = user
		prepareUser(&reqCopy, bidder, explicitBuyerUIDs, usersyncs)
		reqCopy.Imp = imps
		requestsByBidder[bidder] = &reqCopy
	}
	return requestsByBidder, nil
}

// splitImps takes a list of Imps and returns a map of imps which have been sanitized for each bidder.
//
// For example, suppose imps has two elements. One goes to rubicon, while the other goes to appnexus and index.
// The returned map will have three keys: rubicon, appnexus, and index--each with one Imp.
// The "imp.ext" value of the appnexus Imp will only contain the "appnexus" value at the "bidder" key.
//
// Bidder params are read from imp.ext.prebid.bidder when it exists, and from the top level of imp.ext otherwise.
func splitImps(imps []openrtb2.Imp) (map[openrtb_ext.BidderName][]openrtb2.Imp, error) {
	if len(imps) == 0 {
		return nil, &errortypes.BadInput{Message: "request.imp must contain at least one element"}
	}

	impExts, err := parseImpExts(imps)
	if err != nil {
		return nil, err
	}

	splitImps := make(map[openrtb_ext.BidderName][]openrtb2.Imp)
	for i := 0; i < len(imps); i++ {
		bidderExts := impExts[i]

		if rawPrebidExt, ok := bidderExts[openrtb_ext.PrebidExtKey]; ok {
			var prebidExt openrtb_ext.ExtImpPrebid
			if err := json.Unmarshal(rawPrebidExt, &prebidExt); err != nil {
				return nil, &errortypes.BadInput{Message: fmt.Sprintf("request.imp[%d].ext.prebid is invalid: %v", i, err)}
			}
			if len(prebidExt.Bidder) > 0 {
				bidderExts = prebidExt.Bidder
			}
		}

		found := false
		for bidder, params := range bidderExts {
			if openrtb_ext.IsBidderNameReserved(bidder) {
				continue
			}
			impCopy := imps[i]
			rawExt, err := json.Marshal(openrtb_ext.ExtImpBidder{Bidder: params})
			if err != nil {
				return nil, &errortypes.BadInput{Message: fmt.Sprintf("request.imp[%d].ext.%s is invalid: %v", i, bidder, err)}
			}
			impCopy.Ext = rawExt
			bidderName := openrtb_ext.BidderName(bidder)
			splitImps[bidderName] = append(splitImps[bidderName], impCopy)
			found = true
		}
		if !found {
			return nil, &errortypes.BadInput{Message: fmt.Sprintf("request.imp[%d].ext must contain at least one bidder", i)}
		}
	}

	return splitImps, nil
}

// parseImpExts does a partial-unmarshal of the imp[].Ext field.
// The keys in the returned map are expected to be "prebid" or BidderNames.
func parseImpExts(imps []openrtb2.Imp) ([]map[string]json.RawMessage, error) {
	exts := make([]map[string]json.RawMessage, len(imps))
	// Loop over every impression in the request
	for i := 0; i < len(imps); i++ {
		if len(imps[i].Ext) == 0 {
			return nil, &errortypes.BadInput{Message: fmt.Sprintf("request.imp[%d].ext is required", i)}
		}
		// Unpack each set of extensions found in the Imp array
		if err := json.Unmarshal(imps[i].Ext, &exts[i]); err != nil {
			return nil, &errortypes.BadInput{Message: fmt.Sprintf("Error unpacking extensions for Imp[%d]: %s", i, err.Error())}
		}
	}
	return exts, nil
}

// extractBuyerUIDs reads user.ext.prebid.buyeruids. The returned user no longer carries them, so
// one bidder's id never reaches another.
func extractBuyerUIDs(user *openrtb2.User) (map[string]string, *openrtb2.User, error) {
	if user == nil || len(user.Ext) == 0 {
		return nil, user, nil
	}

	value, dataType, _, err := jsonparser.Get(user.Ext, openrtb_ext.PrebidExtKey, "buyeruids")
	if dataType == jsonparser.NotExist {
		return nil, user, nil
	}
	if err != nil || dataType != jsonparser.Object {
		return nil, nil, &errortypes.BadInput{Message: "request.user.ext.prebid.buyeruids must be an object"}
	}

	var buyerUIDs map[string]string
	if err := json.Unmarshal(value, &buyerUIDs); err != nil {
		return nil, nil, &errortypes.BadInput{Message: fmt.Sprintf("request.user.ext.prebid.buyeruids is invalid: %v", err)}
	}

	userCopy := *user
	userCopy.Ext = jsonparser.Delete(append([]byte(nil), user.Ext...), openrtb_ext.PrebidExtKey, "buyeruids")
	if prebid, dataType, _, _ := jsonparser.Get(userCopy.Ext, openrtb_ext.PrebidExtKey); dataType == jsonparser.Object && string(prebid) == "{}" {
		userCopy.Ext = jsonparser.Delete(userCopy.Ext, openrtb_ext.PrebidExtKey)
	}
	if string(userCopy.Ext) == "{}" {
		userCopy.Ext = nil
	}
	return buyerUIDs, &userCopy, nil
}

// prepareUser changes req.User so that it's ready for the given bidder.
// This *will* mutate the request, but will *not* mutate any objects nested inside it.
//
// The bidder's entry in user.ext.prebid.buyeruids wins over request.user.buyeruid, which wins over
// the id known to the identity map.
func prepareUser(req *openrtb2.BidRequest, bidder openrtb_ext.BidderName, explicitBuyerUIDs map[string]string, usersyncs IdFetcher) {
	if id, ok := explicitBuyerUIDs[string(bidder)]; ok {
		req.User = copyWithBuyerUID(req.User, id, true)
	} else if cookieId, hadCookie := usersyncs.GetId(bidder); hadCookie {
		req.User = copyWithBuyerUID(req.User, cookieId, false)
	}
}

// copyWithBuyerUID returns a copy of user with BuyerUID set, or a new (empty) User with the BuyerUID
// already set. An existing BuyerUID is kept unless override is true.
func copyWithBuyerUID(user *openrtb2.User, buyerUID string, override bool) *openrtb2.User {
	if user == nil {
		return &openrtb2.User{
			BuyerUID: buyerUID,
		}
	}
	if user.BuyerUID == "" || (override && user.BuyerUID != buyerUID) {
		clone := *user
		clone.BuyerUID = buyerUID
		return &clone
	}
	return user
}

// validateBidderParams drops the imps whose bidder params break the bidder's JSON schema.
// It returns a nil request when no imp survives, in which case no call should be made.
func (e *exchange) validateBidderParams(bidderRequest BidderRequest) (*openrtb2.BidRequest, []error) {
	if e.paramsValidator == nil {
		return bidderRequest.BidRequest, nil
	}
	schemaName := bidderRequest.BidderName
	if code, ok := e.adapterCodes[schemaName]; ok {
		schemaName = code
	}

	imps := bidderRequest.BidRequest.Imp
	validImps := make([]openrtb2.Imp, 0, len(imps))
	var failures []string
	for _, imp := range imps {
		params, _, _, err := jsonparser.Get(imp.Ext, openrtb_ext.BidderExtKey)
		if err == nil {
			err = e.paramsValidator.Validate(schemaName, params)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("request.imp[id=%s].ext.%s failed validation.\n%v", imp.ID, bidderRequest.BidderName, err))
			continue
		}
		validImps = append(validImps, imp)
	}

	if len(failures) == 0 {
		return bidderRequest.BidRequest, nil
	}
	errs := make([]error, 0, len(failures))
	if len(validImps) == 0 {
		for _, failure := range failures {
			errs = append(errs, &errortypes.BadInput{Message: failure})
		}
		return nil, errs
	}
	for _, failure := range failures {
		errs = append(errs, &errortypes.Warning{Message: failure, WarningCode: errortypes.BidderParamsWarningCode})
	}
	reqCopy := *bidderRequest.BidRequest
	reqCopy.Imp = validImps
	return &reqCopy, errs
}

func sortBidderRequests(bidderRequests []BidderRequest) {
	sort.Slice(bidderRequests, func(i, j int) bool {
		return bidderRequests[i].BidderName < bidderRequests[j].BidderName
	})
}

func sortWarnings(warnings []error) []error {
	sort.SliceStable(warnings, func(i, j int) bool {
		return warnings[i].Error() < warnings[j].Error()
	})
	return warnings
}
