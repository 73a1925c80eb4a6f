package openrtb2

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/prebid/prebid-exchange/config"
	"github.com/prebid/prebid-exchange/errortypes"
	"github.com/prebid/prebid-exchange/exchange"
	"github.com/prebid/prebid-exchange/metrics"
	"github.com/prebid/prebid-exchange/usersync"
)

func NewEndpoint(ex exchange.Exchange, cfg *config.Configuration, metricsEngine metrics.MetricsEngine) (httprouter.Handle, error) {
	if ex == nil || cfg == nil || metricsEngine == nil {
		return nil, errors.New("NewEndpoint requires non-nil arguments.")
	}

	return httprouter.Handle((&endpointDeps{
		ex:            ex,
		cfg:           cfg,
		metricsEngine: metricsEngine,
		cookieDecoder: usersync.DecodeV1{},
	}).Auction), nil
}

type endpointDeps struct {
	ex            exchange.Exchange
	cfg           *config.Configuration
	metricsEngine metrics.MetricsEngine
	cookieDecoder usersync.Decoder
}

func (deps *endpointDeps) Auction(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	start := time.Now()
	labels := metrics.Labels{
		RType:         metrics.ReqTypeORTB2Web,
		RequestStatus: metrics.RequestStatusOK,
	}
	defer func() {
		deps.metricsEngine.RecordRequest(labels)
		deps.metricsEngine.RecordRequestTime(labels, time.Since(start))
	}()

	req, errL := deps.parseRequest(r)
	if len(errL) > 0 {
		labels.RequestStatus = metrics.RequestStatusBadInput
		writeBadInput(w, errL)
		return
	}

	labels.RType = exchange.RequestType(req)
	deps.metricsEngine.RecordImps(labels, len(req.Imp))

	response, err := deps.ex.HoldAuction(r.Context(), exchange.AuctionRequest{
		BidRequest: req,
		UserIDs:    usersync.ReadCookie(r, deps.cfg.UIDCookieName, deps.cookieDecoder),
	})
	if err != nil {
		if errortypes.ReadCode(err) == errortypes.BadInputErrorCode {
			labels.RequestStatus = metrics.RequestStatusBadInput
			writeBadInput(w, []error{err})
			return
		}
		labels.RequestStatus = metrics.RequestStatusErr
		glog.Errorf("/openrtb2/auction critical error for request %s: %v", req.ID, err)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Critical error while running the auction: %v", err)
		return
	}

	// Bid markup must reach the page unescaped.
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	w.Header().Set("Content-Type", "application/json")
	if err := enc.Encode(response); err != nil {
		labels.RequestStatus = metrics.RequestStatusErr
		glog.Errorf("/openrtb2/auction failed to send response for request %s: %v", req.ID, err)
	}
}

func writeBadInput(w http.ResponseWriter, errs []error) {
	w.WriteHeader(http.StatusBadRequest)
	for _, err := range errs {
		fmt.Fprintf(w, "Invalid request format: %s\n", err.Error())
	}
}

// parseRequest turns the HTTP request into an OpenRTB request.
//
// If the errors list is empty, then the returned request will be valid according to the OpenRTB 2.6 spec.
// In case of "strong recommendations" in OpenRTB, it tends to be restrictive. If a better workaround is
// possible, it will return errors with messages that suggest improvements.
//
// If the errors list has at least one element, then no guarantees are made about the returned request.
func (deps *endpointDeps) parseRequest(httpRequest *http.Request) (req *openrtb2.BidRequest, errs []error) {
	lr := &io.LimitedReader{
		R: httpRequest.Body,
		N: deps.cfg.MaxRequestSize,
	}
	requestJson, err := io.ReadAll(lr)
	if err != nil {
		errs = []error{err}
		return
	}
	// If the request size was too large, read through the rest of the request body so that the connection can be reused.
	if lr.N <= 0 {
		if written, err := io.Copy(io.Discard, httpRequest.Body); written > 0 || err != nil {
			errs = []error{fmt.Errorf("Request size exceeded max size of %d bytes.", deps.cfg.MaxRequestSize)}
			return
		}
	}

	req = &openrtb2.BidRequest{}
	if err := json.Unmarshal(requestJson, req); err != nil {
		errs = []error{err}
		return
	}

	if err := validateRequest(req); err != nil {
		errs = []error{err}
		return
	}
	return
}
