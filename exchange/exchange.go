package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/uuid"
	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/prebid-exchange/config"
	"github.com/prebid/prebid-exchange/errortypes"
	"github.com/prebid/prebid-exchange/metrics"
	"github.com/prebid/prebid-exchange/openrtb_ext"
	"github.com/prebid/prebid-exchange/prebid_cache_client"
)

// Exchange runs Auctions. Implementations must be threadsafe, and will be shared across many goroutines.
type Exchange interface {
	// HoldAuction executes an OpenRTB v2.6 Auction.
	//
	// Errors are returned only when the auction could not run at all. Those caused by the request
	// itself are *errortypes.BadInput. Problems with individual bidders are reported in the
	// response's ext instead.
	HoldAuction(ctx context.Context, r AuctionRequest) (*openrtb2.BidResponse, error)
}

// IdFetcher can find the user's ID for a specific Bidder.
type IdFetcher interface {
	GetId(bidder openrtb_ext.BidderName) (string, bool)
}

// AuctionRequest holds the bid request for the auction
// and all other information needed to process an auction request.
type AuctionRequest struct {
	BidRequest *openrtb2.BidRequest
	// UserIDs resolves each bidder's id for this user. It is only read.
	UserIDs IdFetcher
	// Deadline bounds every bidder call. When zero it is derived from request.tmax and the host's auction timeouts.
	Deadline time.Time
}

type exchange struct {
	adapterMap      map[openrtb_ext.BidderName]AdaptedBidder
	adapterCodes    map[openrtb_ext.BidderName]openrtb_ext.BidderName
	me              metrics.MetricsEngine
	cache           prebid_cache_client.Client
	cacheTime       time.Duration
	defaultCacheTTL int64
	timeouts        config.AuctionTimeouts
	paramsValidator openrtb_ext.BidderParamValidator
	bidIDGenerator  BidIDGenerator
	clock           clock.Clock
}

// Container to pass out response ext data from the GetAllBids goroutines back into the main thread
type seatResponseExtra struct {
	ResponseTimeMillis int
	// TimedOut is set when the bidder was abandoned at the auction deadline or its calls hit it.
	TimedOut bool
	Errors   []openrtb_ext.ExtBidderMessage
	Warnings []openrtb_ext.ExtBidderMessage
}

type bidResponseWrapper struct {
	adapterBids *pbsOrtbSeatBid
	errs        []error
	bidder      openrtb_ext.BidderName
	elapsed     time.Duration
	timedOut    bool
}

type BidIDGenerator interface {
	New() (string, error)
	Enabled() bool
}

type bidIDGenerator struct {
	enabled bool
}

func (big *bidIDGenerator) Enabled() bool {
	return big.enabled
}

func (big *bidIDGenerator) New() (string, error) {
	rawUuid, err := uuid.NewV4()
	return rawUuid.String(), err
}

type emptyIdFetcher struct{}

func (emptyIdFetcher) GetId(bidder openrtb_ext.BidderName) (string, bool) {
	return "", false
}

// NewExchange builds an Exchange over the given bidders. The clock only measures response times.
func NewExchange(adapters map[openrtb_ext.BidderName]AdaptedBidder, cache prebid_cache_client.Client, cfg *config.Configuration, metricsEngine metrics.MetricsEngine, paramsValidator openrtb_ext.BidderParamValidator, clk clock.Clock) Exchange {
	adapterCodes := make(map[openrtb_ext.BidderName]openrtb_ext.BidderName, len(adapters))
	for bidderName := range adapters {
		adapterCodes[bidderName] = openrtb_ext.BidderName(cfg.Adapters[string(bidderName)].AdapterCode(string(bidderName)))
	}
	if clk == nil {
		clk = clock.New()
	}
	return &exchange{
		adapterMap:      adapters,
		adapterCodes:    adapterCodes,
		me:              metricsEngine,
		cache:           cache,
		cacheTime:       time.Duration(cfg.CacheURL.ExpectedTimeMillis) * time.Millisecond,
		defaultCacheTTL: cfg.CacheURL.DefaultTTLSeconds,
		timeouts:        cfg.AuctionTimeouts,
		paramsValidator: paramsValidator,
		bidIDGenerator:  &bidIDGenerator{cfg.GenerateBidID},
		clock:           clk,
	}
}

func (e *exchange) HoldAuction(ctx context.Context, r AuctionRequest) (*openrtb2.BidResponse, error) {
	if r.BidRequest == nil {
		return nil, &errortypes.BadInput{Message: "The auction has no bid request"}
	}
	bidRequest := r.BidRequest

	requestExt, err := parseRequestExt(bidRequest)
	if err != nil {
		return nil, err
	}

	deadline, err := e.auctionDeadline(ctx, r)
	if err != nil {
		return nil, err
	}

	usersyncs := r.UserIDs
	if usersyncs == nil {
		usersyncs = emptyIdFetcher{}
	}

	bidderRequests, warnings, err := e.makeBidderRequests(bidRequest, usersyncs)
	if err != nil {
		return nil, err
	}

	cacheInstructions := getExtCacheInstructions(requestExt)
	debugInfo := bidRequest.Test == 1 || requestExt.Prebid.Debug

	auctionCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	bidderCtx, cancelBidders := e.makeBidderContext(auctionCtx, cacheInstructions.needsCache())
	defer cancelBidders()

	liveAdapters := listBiddersWithRequests(bidderRequests)
	tracer := newHttpCallTracer()
	adapterBids, adapterExtra := e.getAllBids(bidderCtx, bidderRequests, tracer)
	harmonizeCurrency(bidRequest, liveAdapters, adapterBids, adapterExtra)

	auc := newAuction(adapterBids, len(bidRequest.Imp))
	if cacheInstructions.needsCache() {
		warnings = append(warnings, e.cacheBids(auctionCtx, auc, cacheInstructions)...)
	}

	return e.buildBidResponse(liveAdapters, adapterBids, adapterExtra, auc, bidRequest, debugInfo, warnings)
}

func parseRequestExt(bidRequest *openrtb2.BidRequest) (*openrtb_ext.ExtRequest, error) {
	requestExt := &openrtb_ext.ExtRequest{}
	if len(bidRequest.Ext) == 0 {
		return requestExt, nil
	}
	if err := json.Unmarshal(bidRequest.Ext, requestExt); err != nil {
		return nil, &errortypes.BadInput{Message: fmt.Sprintf("request.ext is invalid: %v", err)}
	}
	return requestExt, nil
}

// auctionDeadline resolves the absolute deadline shared by every bidder of this auction.
func (e *exchange) auctionDeadline(ctx context.Context, r AuctionRequest) (time.Time, error) {
	now := time.Now()
	deadline := r.Deadline
	if deadline.IsZero() {
		timeout := e.timeouts.LimitAuctionTimeout(time.Duration(r.BidRequest.TMax) * time.Millisecond)
		if timeout > 0 {
			deadline = now.Add(timeout)
		}
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if deadline.IsZero() {
		return deadline, &errortypes.BadInput{Message: "The auction has no deadline. Set request.tmax or configure auction_timeouts_ms.default"}
	}
	if !deadline.After(now) {
		return deadline, &errortypes.BadInput{Message: fmt.Sprintf("The auction deadline passed %s ago", now.Sub(deadline))}
	}
	return deadline, nil
}

// makeBidderContext reserves time at the end of the auction for the cache round trip.
func (e *exchange) makeBidderContext(ctx context.Context, needsCache bool) (bidderCtx context.Context, cancel context.CancelFunc) {
	bidderCtx = ctx
	cancel = func() {}
	if needsCache && e.cacheTime > 0 {
		if deadline, ok := ctx.Deadline(); ok {
			bidderCtx, cancel = context.WithDeadline(ctx, deadline.Add(-e.cacheTime))
		}
	}
	return
}

// makeBidderRequests splits the request per bidder. Bidders which aren't configured here are reported as warnings.
func (e *exchange) makeBidderRequests(bidRequest *openrtb2.BidRequest, usersyncs IdFetcher) ([]BidderRequest, []error, error) {
	requestsByBidder, err := cleanOpenRTBRequests(bidRequest, usersyncs)
	if err != nil {
		return nil, nil, err
	}

	var warnings []error
	bidderRequests := make([]BidderRequest, 0, len(requestsByBidder))
	for bidderName, req := range requestsByBidder {
		if _, ok := e.adapterMap[bidderName]; !ok {
			warnings = append(warnings, &errortypes.Warning{
				Message:     fmt.Sprintf("Bidder %s is not configured on this host and was skipped", bidderName),
				WarningCode: errortypes.UnknownBidderWarningCode,
			})
			continue
		}
		bidderRequests = append(bidderRequests, BidderRequest{
			BidRequest: req,
			BidderName: bidderName,
			BidderLabels: metrics.AdapterLabels{
				Adapter:     bidderName,
				AdapterBids: metrics.AdapterBidPresent,
			},
		})
	}
	if len(bidderRequests) == 0 {
		return nil, nil, &errortypes.BadInput{Message: "The request does not address any bidder configured on this host"}
	}
	sortBidderRequests(bidderRequests)
	return bidderRequests, sortWarnings(warnings), nil
}

// This piece sends all the requests to the bidder adapters and gathers the results.
//
// Every bidder in bidderRequests gets exactly one entry in both returned maps. Bidders still running
// when ctx is done are abandoned: their entry carries a timeout error and whatever they send later is dropped.
func (e *exchange) getAllBids(ctx context.Context, bidderRequests []BidderRequest, tracer *httpCallTracer) (
	map[openrtb_ext.BidderName]*pbsOrtbSeatBid,
	map[openrtb_ext.BidderName]*seatResponseExtra) {
	// Set up pointers to the bid results
	adapterBids := make(map[openrtb_ext.BidderName]*pbsOrtbSeatBid, len(bidderRequests))
	adapterExtra := make(map[openrtb_ext.BidderName]*seatResponseExtra, len(bidderRequests))
	// Sized so that late senders never block after the auction stops listening.
	chBids := make(chan *bidResponseWrapper, len(bidderRequests))
	pending := make(map[openrtb_ext.BidderName]BidderRequest, len(bidderRequests))
	start := e.clock.Now()

	for _, bidder := range bidderRequests {
		pending[bidder.BidderName] = bidder
		// Here we actually call the adapters and collect the bids.
		bidderRunner := e.recoverSafely(bidderRequests, func(bidderRequest BidderRequest) {
			brw := new(bidResponseWrapper)
			brw.bidder = bidderRequest.BidderName
			bidderStart := e.clock.Now()
			brw.adapterBids, brw.errs = e.requestBid(ctx, bidderRequest, tracer)
			brw.elapsed = e.clock.Since(bidderStart)
			chBids <- brw
		}, chBids)
		go bidderRunner(bidder)
	}

	collect := func(brw *bidResponseWrapper) {
		bidderRequest, ok := pending[brw.bidder]
		if !ok {
			return
		}
		delete(pending, brw.bidder)
		if brw.adapterBids == nil {
			brw.adapterBids = newEmptySeatBid()
		}
		if len(brw.adapterBids.httpCalls) == 0 {
			brw.adapterBids.httpCalls = tracer.callsFor(brw.bidder)
		}
		// A bidder whose own calls hit the deadline timed out just like one we abandoned.
		timedOut := brw.timedOut || containsTimeout(brw.errs)
		adapterBids[brw.bidder] = brw.adapterBids
		adapterExtra[brw.bidder] = &seatResponseExtra{
			ResponseTimeMillis: int(brw.elapsed / time.Millisecond),
			TimedOut:           timedOut,
			Errors:             errsToBidderErrors(brw.errs),
			Warnings:           errsToBidderWarnings(brw.errs),
		}
		e.recordAdapterMetrics(bidderRequest.BidderLabels, brw, adapterExtra[brw.bidder].TimedOut)
	}

	// Wait for the bidders to do their thing
	for len(pending) > 0 {
		select {
		case brw := <-chBids:
			collect(brw)
		case <-ctx.Done():
			// Keep whatever already arrived, then give up on the rest.
			for drained := false; !drained; {
				select {
				case brw := <-chBids:
					collect(brw)
				default:
					drained = true
				}
			}
			elapsed := e.clock.Since(start)
			for bidderName := range pending {
				glog.V(2).Infof("Bidder %s abandoned at the auction deadline", bidderName)
				collect(&bidResponseWrapper{
					adapterBids: newEmptySeatBid(),
					errs:        []error{&errortypes.Timeout{Message: fmt.Sprintf("Bidder %s did not respond before the auction deadline", bidderName)}},
					bidder:      bidderName,
					elapsed:     elapsed,
					timedOut:    true,
				})
			}
		}
	}

	return adapterBids, adapterExtra
}

// harmonizeCurrency prices the whole response in one currency: the first entry of request.cur
// (USD when absent) that some seat bid in. Seats which bid in another accepted currency lose their
// bids and report an InvalidCurrency error. It returns the chosen currency, or "" if nobody bid.
func harmonizeCurrency(bidRequest *openrtb2.BidRequest, liveAdapters []openrtb_ext.BidderName, adapterBids map[openrtb_ext.BidderName]*pbsOrtbSeatBid, adapterExtra map[openrtb_ext.BidderName]*seatResponseExtra) string {
	accepted := bidRequest.Cur
	if len(accepted) == 0 {
		accepted = []string{defaultCurrency}
	}

	var responseCurrency string
	for _, cur := range accepted {
		for _, bidderName := range liveAdapters {
			seatBid := adapterBids[bidderName]
			if seatBid != nil && len(seatBid.bids) > 0 && strings.EqualFold(seatBid.currency, cur) {
				responseCurrency = seatBid.currency
				break
			}
		}
		if responseCurrency != "" {
			break
		}
	}
	if responseCurrency == "" {
		return ""
	}

	for _, bidderName := range liveAdapters {
		seatBid := adapterBids[bidderName]
		if seatBid == nil || len(seatBid.bids) == 0 || seatBid.currency == responseCurrency {
			continue
		}
		err := &errortypes.InvalidCurrency{
			Message: fmt.Sprintf("Bids priced in %s were dropped because the response is priced in %s", seatBid.currency, responseCurrency),
		}
		seatBid.bids = make([]*pbsOrtbBid, 0)
		if extra, ok := adapterExtra[bidderName]; ok {
			extra.Errors = append(extra.Errors, errsToBidderErrors([]error{err})...)
		}
	}
	return responseCurrency
}

// requestBid runs one bidder: params validation first, then the adapter itself.
func (e *exchange) requestBid(ctx context.Context, bidderRequest BidderRequest, tracer *httpCallTracer) (*pbsOrtbSeatBid, []error) {
	validRequest, errs := e.validateBidderParams(bidderRequest)
	if validRequest == nil {
		return newEmptySeatBid(), errs
	}
	bidderRequest.BidRequest = validRequest

	seatBid, moreErrs := e.adapterMap[bidderRequest.BidderName].requestBid(ctx, bidderRequest, tracer)
	if seatBid == nil {
		seatBid = newEmptySeatBid()
	}
	return seatBid, append(errs, moreErrs...)
}

func (e *exchange) recoverSafely(bidderRequests []BidderRequest,
	inner func(BidderRequest),
	chBids chan *bidResponseWrapper) func(BidderRequest) {
	return func(bidderRequest BidderRequest) {
		start := e.clock.Now()
		defer func() {
			if r := recover(); r != nil {

				allBidders := ""
				sb := strings.Builder{}
				for _, bidder := range bidderRequests {
					sb.WriteString(bidder.BidderName.String())
					sb.WriteString(",")
				}
				if sb.Len() > 0 {
					allBidders = sb.String()[:sb.Len()-1]
				}

				glog.Errorf("OpenRTB auction recovered panic from Bidder %s: %v. "+
					"All Bidders: %s, Stack trace is: %v",
					bidderRequest.BidderName, r, allBidders, string(debug.Stack()))
				e.me.RecordAdapterPanic(bidderRequest.BidderLabels)
				// Let the master request know that there is no data here
				chBids <- &bidResponseWrapper{
					adapterBids: newEmptySeatBid(),
					errs:        []error{&errortypes.BidderPanic{Message: fmt.Sprintf("Bidder %s failed unexpectedly: %v", bidderRequest.BidderName, r)}},
					bidder:      bidderRequest.BidderName,
					elapsed:     e.clock.Since(start),
				}
			}
		}()
		inner(bidderRequest)
	}
}

func (e *exchange) recordAdapterMetrics(labels metrics.AdapterLabels, brw *bidResponseWrapper, timedOut bool) {
	labels.AdapterBids = bidsToMetric(brw.adapterBids)
	labels.AdapterErrors = errorsToMetric(brw.errs)
	if timedOut {
		if labels.AdapterErrors == nil {
			labels.AdapterErrors = make(map[metrics.AdapterError]struct{}, 1)
		}
		labels.AdapterErrors[metrics.AdapterErrorTimeout] = struct{}{}
	}
	e.me.RecordAdapterRequest(labels)
	e.me.RecordAdapterTime(labels, brw.elapsed)
	for _, bid := range brw.adapterBids.bids {
		e.me.RecordAdapterPrice(labels, bid.bid.Price)
		e.me.RecordAdapterBidReceived(labels, bid.bidType, bid.bid.AdM != "")
	}
}

func containsTimeout(errs []error) bool {
	for _, err := range errs {
		if errortypes.ReadCode(err) == errortypes.TimeoutErrorCode {
			return true
		}
	}
	return false
}

func bidsToMetric(seatBid *pbsOrtbSeatBid) metrics.AdapterBid {
	if seatBid == nil || len(seatBid.bids) == 0 {
		return metrics.AdapterBidNone
	}
	return metrics.AdapterBidPresent
}

func errorsToMetric(errs []error) map[metrics.AdapterError]struct{} {
	if len(errs) == 0 {
		return nil
	}
	ret := make(map[metrics.AdapterError]struct{}, len(errs))
	var s struct{}
	for _, err := range errortypes.FatalOnly(errs) {
		switch errortypes.ReadCode(err) {
		case errortypes.TimeoutErrorCode:
			ret[metrics.AdapterErrorTimeout] = s
		case errortypes.BadInputErrorCode:
			ret[metrics.AdapterErrorBadInput] = s
		case errortypes.BadServerResponseErrorCode:
			ret[metrics.AdapterErrorBadServerResponse] = s
		case errortypes.FailedToRequestBidsErrorCode:
			ret[metrics.AdapterErrorFailedToRequestBids] = s
		case errortypes.BidderPanicErrorCode:
			ret[metrics.AdapterErrorPanic] = s
		default:
			ret[metrics.AdapterErrorUnknown] = s
		}
	}
	if len(ret) == 0 {
		return nil
	}
	return ret
}

func errsToBidderErrors(errs []error) []openrtb_ext.ExtBidderMessage {
	sErr := make([]openrtb_ext.ExtBidderMessage, 0)
	for _, err := range errortypes.FatalOnly(errs) {
		newErr := openrtb_ext.ExtBidderMessage{
			Code:    errortypes.ReadCode(err),
			Message: err.Error(),
		}
		sErr = append(sErr, newErr)
	}

	return sErr
}

func errsToBidderWarnings(errs []error) []openrtb_ext.ExtBidderMessage {
	sWarn := make([]openrtb_ext.ExtBidderMessage, 0)
	for _, warn := range errortypes.WarningOnly(errs) {
		newErr := openrtb_ext.ExtBidderMessage{
			Code:    errortypes.ReadCode(warn),
			Message: warn.Error(),
		}
		sWarn = append(sWarn, newErr)
	}
	return sWarn
}

// RequestType classifies the auction for the request metrics.
func RequestType(bidRequest *openrtb2.BidRequest) metrics.RequestType {
	if bidRequest.App != nil {
		return metrics.ReqTypeORTB2App
	}
	return metrics.ReqTypeORTB2Web
}

func listBiddersWithRequests(bidderRequests []BidderRequest) []openrtb_ext.BidderName {
	liveAdapters := make([]openrtb_ext.BidderName, len(bidderRequests))
	for i, bidderRequest := range bidderRequests {
		liveAdapters[i] = bidderRequest.BidderName
	}
	openrtb_ext.SortBidderNames(liveAdapters)
	return liveAdapters
}
