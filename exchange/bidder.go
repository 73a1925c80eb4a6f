package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/openrtb2"
	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/text/currency"

	"github.com/prebid/prebid-exchange/adapters"
	"github.com/prebid/prebid-exchange/errortypes"
	"github.com/prebid/prebid-exchange/metrics"
	"github.com/prebid/prebid-exchange/openrtb_ext"
)

const defaultCurrency = "USD"

// AdaptedBidder defines the contract needed to participate in an Auction within an Exchange.
//
// This interface exists to help segregate core auction logic.
//
// Any logic which can be done _within a single Seat_ goes inside one of these.
// Any logic which _requires responses from all Seats_ goes inside the Exchange.
//
// This interface differs from adapters.Bidder to help minimize code duplication across the
// adapters.Bidder implementations.
type AdaptedBidder interface {
	// requestBid fetches bids for the given request.
	//
	// An AdaptedBidder *may* return two non-nil values here. Errors should describe situations which
	// make the bid (or no-bid) "less than ideal." Common examples include:
	//
	// 1. Connection issues.
	// 2. Imps with Media Types which this Bidder doesn't support.
	// 3. The Context timeout expired before all expected bids were returned.
	// 4. The Server sent back an unexpected Response, so some bids were ignored.
	//
	// Any errors will be user-facing in the API.
	// Error messages should help publishers understand what might account for "bad" bids.
	//
	// Every outbound call is recorded into the tracer as soon as it completes.
	requestBid(ctx context.Context, bidderRequest BidderRequest, tracer *httpCallTracer) (*pbsOrtbSeatBid, []error)
}

// BidderRequest holds the bidder specific request and all other
// information needed to process that bidder request.
type BidderRequest struct {
	BidRequest   *openrtb2.BidRequest
	BidderName   openrtb_ext.BidderName
	BidderLabels metrics.AdapterLabels
}

// AdaptBidder converts an adapters.Bidder into an exchange.AdaptedBidder.
//
// The name refers to the "Adapter" architecture pattern, and should not be confused with a Prebid "Adapter".
func AdaptBidder(bidder adapters.Bidder, client *http.Client) AdaptedBidder {
	return &bidderAdapter{
		Bidder: bidder,
		Client: client,
	}
}

type bidderAdapter struct {
	Bidder adapters.Bidder
	Client *http.Client
}

func (bidder *bidderAdapter) requestBid(ctx context.Context, bidderRequest BidderRequest, tracer *httpCallTracer) (*pbsOrtbSeatBid, []error) {
	reqData, errs := bidder.Bidder.MakeRequests(bidderRequest.BidRequest)

	if len(reqData) == 0 {
		// If the adapter failed to generate both requests and errors, this is an error.
		if len(errs) == 0 {
			errs = append(errs, &errortypes.FailedToRequestBids{Message: "The adapter failed to generate any bid requests, but also failed to generate an error explaining why"})
		}
		return newEmptySeatBid(), errs
	}

	// Make any HTTP requests in parallel.
	// If the bidder only needs to make one, save some cycles by just using the current one.
	responseChannel := make(chan *httpCallInfo, len(reqData))
	if len(reqData) == 1 {
		responseChannel <- bidder.doRequest(ctx, reqData[0])
	} else {
		for _, oneReqData := range reqData {
			go func(data *adapters.RequestData) {
				responseChannel <- bidder.doRequest(ctx, data)
			}(oneReqData) // Method arg avoids a race condition on oneReqData
		}
	}

	acceptedCurrencies := bidderRequest.BidRequest.Cur
	if len(acceptedCurrencies) == 0 {
		acceptedCurrencies = []string{defaultCurrency}
	}

	seatBid := &pbsOrtbSeatBid{
		bids:     make([]*pbsOrtbBid, 0, len(reqData)),
		currency: defaultCurrency,
	}

	// If the bidder made multiple requests, we still want them to enter as many bids as possible...
	// even if the timeout occurs sometime halfway through.
	for i := 0; i < len(reqData); i++ {
		httpInfo := <-responseChannel
		tracer.record(bidderRequest.BidderName, makeExt(httpInfo))

		if httpInfo.err != nil {
			errs = append(errs, httpInfo.err)
			continue
		}

		bidResponse, moreErrs := bidder.Bidder.MakeBids(bidderRequest.BidRequest, httpInfo.request, httpInfo.response)
		errs = append(errs, moreErrs...)
		if bidResponse == nil {
			continue
		}

		if bidResponse.Currency == "" {
			bidResponse.Currency = defaultCurrency
		}
		if err := validateCurrency(bidResponse.Currency, acceptedCurrencies); err != nil {
			errs = append(errs, err)
			continue
		}
		seatBid.currency = strings.ToUpper(bidResponse.Currency)

		if len(seatBid.ext) == 0 && len(bidResponse.SeatExt) > 0 {
			seatBid.ext = bidResponse.SeatExt
		}
		for _, typedBid := range bidResponse.Bids {
			if typedBid == nil || typedBid.Bid == nil {
				continue
			}
			seatBid.bids = append(seatBid.bids, &pbsOrtbBid{
				bid:     typedBid.Bid,
				bidType: typedBid.BidType,
			})
		}
	}
	seatBid.httpCalls = tracer.callsFor(bidderRequest.BidderName)

	return seatBid, errs
}

// validateCurrency makes sure the bidder answered with a real ISO 4217 code the publisher accepts.
func validateCurrency(bidCurrency string, accepted []string) error {
	unit, err := currency.ParseISO(bidCurrency)
	if err != nil {
		return &errortypes.InvalidCurrency{
			Message: fmt.Sprintf("Bid currency %q is not a valid ISO-4217 code", bidCurrency),
		}
	}
	for _, cur := range accepted {
		if acceptedUnit, err := currency.ParseISO(cur); err == nil && acceptedUnit == unit {
			return nil
		}
	}
	return &errortypes.InvalidCurrency{
		Message: fmt.Sprintf("Bid currency is not allowed. Was '%s', wants: ['%s']", unit.String(), strings.Join(accepted, "','")),
	}
}

// httpCallInfo wraps a request/response pair made by a bidder, together with any error encountered.
type httpCallInfo struct {
	request  *adapters.RequestData
	response *adapters.ResponseData
	err      error
}

// doRequest makes a request, handles the response, and returns the data needed by the
// Bidder interface.
func (bidder *bidderAdapter) doRequest(ctx context.Context, req *adapters.RequestData) *httpCallInfo {
	httpReq, err := http.NewRequest(req.Method, req.Uri, bytes.NewBuffer(req.Body))
	if err != nil {
		return &httpCallInfo{
			request: req,
			err:     err,
		}
	}
	httpReq.Header = req.Headers

	httpResp, err := ctxhttp.Do(ctx, bidder.Client, httpReq)
	if err != nil {
		if err == context.DeadlineExceeded {
			err = &errortypes.Timeout{Message: err.Error()}
		}
		return &httpCallInfo{
			request: req,
			err:     err,
		}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if err == context.DeadlineExceeded || ctx.Err() == context.DeadlineExceeded {
			err = &errortypes.Timeout{Message: context.DeadlineExceeded.Error()}
		}
		return &httpCallInfo{
			request: req,
			err:     err,
		}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 400 {
		glog.V(2).Infof("Bidder call to %s returned status %d", req.Uri, httpResp.StatusCode)
		err = &errortypes.BadServerResponse{
			Message: fmt.Sprintf("Server responded with failure status: %d. Set request.test = 1 for debugging info.", httpResp.StatusCode),
		}
	}

	return &httpCallInfo{
		request: req,
		response: &adapters.ResponseData{
			StatusCode: httpResp.StatusCode,
			Body:       respBody,
			Headers:    httpResp.Header,
		},
		err: err,
	}
}
