package metrics

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/rcrowley/go-metrics"

	"github.com/prebid/prebid-exchange/openrtb_ext"
)

// Metrics is the go-metrics backed implementation of MetricsEngine.
type Metrics struct {
	MetricsRegistry            metrics.Registry
	ConnectionCounter          metrics.Counter
	ConnectionAcceptErrorMeter metrics.Meter
	ConnectionCloseErrorMeter  metrics.Meter
	ImpMeter                   metrics.Meter
	RequestTimer               metrics.Timer
	RequestStatuses            map[RequestType]map[RequestStatus]metrics.Meter

	PrebidCacheRequestTimerSuccess metrics.Timer
	PrebidCacheRequestTimerError   metrics.Timer

	// AdapterMetrics is only populated at construction, so it is safe to read from many goroutines.
	AdapterMetrics map[openrtb_ext.BidderName]*AdapterMetrics

	exchanges []openrtb_ext.BidderName
}

// AdapterMetrics houses the metrics for a particular adapter
type AdapterMetrics struct {
	NoBidMeter        metrics.Meter
	GotBidsMeter      metrics.Meter
	RequestMeter      metrics.Meter
	ErrorMeters       map[AdapterError]metrics.Meter
	PanicMeter        metrics.Meter
	RequestTimer      metrics.Timer
	PriceHistogram    metrics.Histogram
	BidsReceivedMeter metrics.Meter
	MarkupMetrics     map[openrtb_ext.BidType]*MarkupDeliveryMetrics
}

type MarkupDeliveryMetrics struct {
	AdmMeter  metrics.Meter
	NurlMeter metrics.Meter
}

// NewBlankMetrics creates a new Metrics object with all blank metrics object. This may also be useful for
// testing routines to ensure that no metrics are written anywhere.
func NewBlankMetrics(registry metrics.Registry, exchanges []openrtb_ext.BidderName) *Metrics {
	blankMeter := &metrics.NilMeter{}
	newMetrics := &Metrics{
		MetricsRegistry:            registry,
		RequestStatuses:            make(map[RequestType]map[RequestStatus]metrics.Meter),
		ConnectionCounter:          metrics.NilCounter{},
		ConnectionAcceptErrorMeter: blankMeter,
		ConnectionCloseErrorMeter:  blankMeter,
		ImpMeter:                   blankMeter,
		RequestTimer:               &metrics.NilTimer{},

		PrebidCacheRequestTimerSuccess: &metrics.NilTimer{},
		PrebidCacheRequestTimerError:   &metrics.NilTimer{},

		AdapterMetrics: make(map[openrtb_ext.BidderName]*AdapterMetrics, len(exchanges)),

		exchanges: exchanges,
	}
	for _, a := range exchanges {
		newMetrics.AdapterMetrics[a] = makeBlankAdapterMetrics()
	}

	for _, t := range RequestTypes() {
		newMetrics.RequestStatuses[t] = make(map[RequestStatus]metrics.Meter)
		for _, s := range RequestStatuses() {
			newMetrics.RequestStatuses[t][s] = blankMeter
		}
	}

	return newMetrics
}

// NewMetrics creates a new Metrics object with needed metrics defined. The code always tries to record
// the metrics, but effectively noops if we are using a blank meter/timer.
func NewMetrics(registry metrics.Registry, exchanges []openrtb_ext.BidderName) *Metrics {
	newMetrics := NewBlankMetrics(registry, exchanges)
	newMetrics.ConnectionCounter = metrics.GetOrRegisterCounter("active_connections", registry)
	newMetrics.ConnectionAcceptErrorMeter = metrics.GetOrRegisterMeter("connection_accept_errors", registry)
	newMetrics.ConnectionCloseErrorMeter = metrics.GetOrRegisterMeter("connection_close_errors", registry)
	newMetrics.ImpMeter = metrics.GetOrRegisterMeter("imps_requested", registry)
	newMetrics.RequestTimer = metrics.GetOrRegisterTimer("request_time", registry)
	newMetrics.PrebidCacheRequestTimerSuccess = metrics.GetOrRegisterTimer("prebid_cache_request_time."+cacheSuccess, registry)
	newMetrics.PrebidCacheRequestTimerError = metrics.GetOrRegisterTimer("prebid_cache_request_time."+cacheError, registry)

	for _, a := range exchanges {
		registerAdapterMetrics(registry, "adapter", string(a), newMetrics.AdapterMetrics[a])
	}
	for typ, statusMap := range newMetrics.RequestStatuses {
		for stat := range statusMap {
			statusMap[stat] = metrics.GetOrRegisterMeter("requests."+string(stat)+"."+string(typ), registry)
		}
	}
	return newMetrics
}

// Part of setting up blank metrics, the adapter metrics.
func makeBlankAdapterMetrics() *AdapterMetrics {
	blankMeter := &metrics.NilMeter{}
	newAdapter := &AdapterMetrics{
		NoBidMeter:        blankMeter,
		GotBidsMeter:      blankMeter,
		RequestMeter:      blankMeter,
		ErrorMeters:       make(map[AdapterError]metrics.Meter),
		PanicMeter:        blankMeter,
		RequestTimer:      &metrics.NilTimer{},
		PriceHistogram:    &metrics.NilHistogram{},
		BidsReceivedMeter: blankMeter,
		MarkupMetrics:     make(map[openrtb_ext.BidType]*MarkupDeliveryMetrics),
	}
	for _, err := range AdapterErrors() {
		newAdapter.ErrorMeters[err] = blankMeter
	}
	for _, bidType := range openrtb_ext.BidTypes() {
		newAdapter.MarkupMetrics[bidType] = &MarkupDeliveryMetrics{
			AdmMeter:  blankMeter,
			NurlMeter: blankMeter,
		}
	}
	return newAdapter
}

func registerAdapterMetrics(registry metrics.Registry, adapterOrAccount string, exchange string, am *AdapterMetrics) {
	am.NoBidMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%[1]s.%[2]s.requests.nobid", adapterOrAccount, exchange), registry)
	am.GotBidsMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%[1]s.%[2]s.requests.gotbids", adapterOrAccount, exchange), registry)
	am.RequestMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%[1]s.%[2]s.requests", adapterOrAccount, exchange), registry)
	am.PanicMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%[1]s.%[2]s.panics", adapterOrAccount, exchange), registry)
	am.RequestTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%[1]s.%[2]s.request_time", adapterOrAccount, exchange), registry)
	am.PriceHistogram = metrics.GetOrRegisterHistogram(fmt.Sprintf("%[1]s.%[2]s.prices", adapterOrAccount, exchange), registry, metrics.NewExpDecaySample(1028, 0.015))
	am.BidsReceivedMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%[1]s.%[2]s.bids_received", adapterOrAccount, exchange), registry)
	for err := range am.ErrorMeters {
		am.ErrorMeters[err] = metrics.GetOrRegisterMeter(fmt.Sprintf("%s.%s.requests.%s", adapterOrAccount, exchange, err), registry)
	}
	for bidType, markup := range am.MarkupMetrics {
		markup.AdmMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%s.%s.%s.adm_bids_received", adapterOrAccount, exchange, bidType), registry)
		markup.NurlMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%s.%s.%s.nurl_bids_received", adapterOrAccount, exchange, bidType), registry)
	}
}

func (me *Metrics) adapterMetrics(labels AdapterLabels) (*AdapterMetrics, bool) {
	am, ok := me.AdapterMetrics[labels.Adapter]
	if !ok {
		glog.Errorf("Trying to run adapter metrics on %s: adapter metrics not found", string(labels.Adapter))
	}
	return am, ok
}

func (me *Metrics) RecordConnectionAccept(success bool) {
	if success {
		me.ConnectionCounter.Inc(1)
	} else {
		me.ConnectionAcceptErrorMeter.Mark(1)
	}
}

func (me *Metrics) RecordConnectionClose(success bool) {
	if success {
		me.ConnectionCounter.Dec(1)
	} else {
		me.ConnectionCloseErrorMeter.Mark(1)
	}
}

// RecordRequest implements a part of the MetricsEngine interface
func (me *Metrics) RecordRequest(labels Labels) {
	if statuses, ok := me.RequestStatuses[labels.RType]; ok {
		if meter, ok := statuses[labels.RequestStatus]; ok {
			meter.Mark(1)
		}
	}
}

// RecordImps implements a part of the MetricsEngine interface
func (me *Metrics) RecordImps(labels Labels, numImps int) {
	me.ImpMeter.Mark(int64(numImps))
}

// RecordRequestTime implements a part of the MetricsEngine interface
func (me *Metrics) RecordRequestTime(labels Labels, length time.Duration) {
	me.RequestTimer.Update(length)
}

// RecordAdapterRequest implements a part of the MetricsEngine interface
func (me *Metrics) RecordAdapterRequest(labels AdapterLabels) {
	am, ok := me.adapterMetrics(labels)
	if !ok {
		return
	}

	am.RequestMeter.Mark(1)
	switch labels.AdapterBids {
	case AdapterBidNone:
		am.NoBidMeter.Mark(1)
	case AdapterBidPresent:
		am.GotBidsMeter.Mark(1)
	default:
		glog.Warningf("No go-metrics logged for AdapterBids value: %s", labels.AdapterBids)
	}
	for errType := range labels.AdapterErrors {
		if meter, ok := am.ErrorMeters[errType]; ok {
			meter.Mark(1)
		}
	}
}

// RecordAdapterPanic implements a part of the MetricsEngine interface
func (me *Metrics) RecordAdapterPanic(labels AdapterLabels) {
	if am, ok := me.adapterMetrics(labels); ok {
		am.PanicMeter.Mark(1)
	}
}

// RecordAdapterBidReceived implements a part of the MetricsEngine interface.
func (me *Metrics) RecordAdapterBidReceived(labels AdapterLabels, bidType openrtb_ext.BidType, hasAdm bool) {
	am, ok := me.adapterMetrics(labels)
	if !ok {
		return
	}

	am.BidsReceivedMeter.Mark(1)
	if metricsForType, ok := am.MarkupMetrics[bidType]; ok {
		if hasAdm {
			metricsForType.AdmMeter.Mark(1)
		} else {
			metricsForType.NurlMeter.Mark(1)
		}
	} else {
		glog.Errorf("bid/adapter metrics map entry does not exist for type %s. This is a bug, and should be reported.", bidType)
	}
}

// RecordAdapterPrice implements a part of the MetricsEngine interface. Generates a histogram of winning bid prices
func (me *Metrics) RecordAdapterPrice(labels AdapterLabels, cpm float64) {
	if am, ok := me.adapterMetrics(labels); ok {
		// Adapter prices are recorded in thousandths of a unit, as histograms hold integers.
		am.PriceHistogram.Update(int64(cpm * 1000))
	}
}

// RecordAdapterTime implements a part of the MetricsEngine interface. Records the adapter response time
func (me *Metrics) RecordAdapterTime(labels AdapterLabels, length time.Duration) {
	if am, ok := me.adapterMetrics(labels); ok {
		am.RequestTimer.Update(length)
	}
}

// RecordPrebidCacheRequestTime implements a part of the MetricsEngine interface. Records the
// amount of time taken to store the auction result in the markup cache.
func (me *Metrics) RecordPrebidCacheRequestTime(success bool, length time.Duration) {
	if success {
		me.PrebidCacheRequestTimerSuccess.Update(length)
	} else {
		me.PrebidCacheRequestTimerError.Update(length)
	}
}
