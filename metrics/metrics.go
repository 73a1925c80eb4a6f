package metrics

import (
	"time"

	"github.com/prebid/prebid-exchange/openrtb_ext"
)

// Labels defines the labels that can be attached to the auction metrics.
type Labels struct {
	RType         RequestType
	RequestStatus RequestStatus
}

// AdapterLabels defines the labels that can be attached to the adapter metrics.
type AdapterLabels struct {
	Adapter       openrtb_ext.BidderName
	AdapterBids   AdapterBid
	AdapterErrors map[AdapterError]struct{}
}

// Label typecasting. See below the type definitions for possible values

// RequestType : Request type enumeration
type RequestType string

// RequestStatus : The request return status
type RequestStatus string

// AdapterBid : Whether or not the adapter returned bids
type AdapterBid string

// AdapterError : Errors which may have occurred during the adapter's execution
type AdapterError string

// The demand sources
const (
	ReqTypeORTB2Web RequestType = "openrtb2-web"
	ReqTypeORTB2App RequestType = "openrtb2-app"
)

func RequestTypes() []RequestType {
	return []RequestType{
		ReqTypeORTB2Web,
		ReqTypeORTB2App,
	}
}

// Request/return status
const (
	RequestStatusOK       RequestStatus = "ok"
	RequestStatusBadInput RequestStatus = "badinput"
	RequestStatusErr      RequestStatus = "err"
)

func RequestStatuses() []RequestStatus {
	return []RequestStatus{
		RequestStatusOK,
		RequestStatusBadInput,
		RequestStatusErr,
	}
}

// Adapter bid response status.
const (
	AdapterBidPresent AdapterBid = "bid"
	AdapterBidNone    AdapterBid = "nobid"
)

func AdapterBids() []AdapterBid {
	return []AdapterBid{
		AdapterBidPresent,
		AdapterBidNone,
	}
}

// Adapter execution status
const (
	AdapterErrorBadInput            AdapterError = "badinput"
	AdapterErrorBadServerResponse   AdapterError = "badserverresponse"
	AdapterErrorTimeout             AdapterError = "timeout"
	AdapterErrorFailedToRequestBids AdapterError = "failedtorequestbid"
	AdapterErrorPanic               AdapterError = "panic"
	AdapterErrorUnknown             AdapterError = "unknown_error"
)

func AdapterErrors() []AdapterError {
	return []AdapterError{
		AdapterErrorBadInput,
		AdapterErrorBadServerResponse,
		AdapterErrorTimeout,
		AdapterErrorFailedToRequestBids,
		AdapterErrorPanic,
		AdapterErrorUnknown,
	}
}

// Markup cache call outcomes
const (
	cacheSuccess = "ok"
	cacheError   = "err"
)

// MetricsEngine is a generic interface to record auction metrics into the desired backend
//
// Every Record call must be cheap: the auction's scatter-gather loop calls them through
// AsyncMetricsEngine and never waits on a slow backend.
type MetricsEngine interface {
	RecordConnectionAccept(success bool)
	RecordConnectionClose(success bool)
	RecordRequest(labels Labels)
	RecordImps(labels Labels, numImps int)
	RecordRequestTime(labels Labels, length time.Duration)
	// RecordAdapterRequest records one bidder's outcome within an auction.
	RecordAdapterRequest(labels AdapterLabels)
	RecordAdapterPanic(labels AdapterLabels)
	// This records whether or not a bid of a particular type uses `adm` or `nurl`.
	RecordAdapterBidReceived(labels AdapterLabels, bidType openrtb_ext.BidType, hasAdm bool)
	RecordAdapterPrice(labels AdapterLabels, cpm float64)
	// RecordAdapterTime records the time from dispatch to the bidder's terminal state.
	RecordAdapterTime(labels AdapterLabels, length time.Duration)
	RecordPrebidCacheRequestTime(success bool, length time.Duration)
}
