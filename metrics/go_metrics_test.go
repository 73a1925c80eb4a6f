package metrics

import (
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"

	"github.com/prebid/prebid-exchange/openrtb_ext"
)

const (
	bidderA openrtb_ext.BidderName = "bidderA"
	bidderB openrtb_ext.BidderName = "bidderB"
)

func TestNewMetrics(t *testing.T) {
	registry := metrics.NewRegistry()
	m := NewMetrics(registry, []openrtb_ext.BidderName{bidderA, bidderB})

	ensureContains(t, registry, "active_connections", m.ConnectionCounter)
	ensureContains(t, registry, "imps_requested", m.ImpMeter)
	ensureContains(t, registry, "request_time", m.RequestTimer)
	ensureContains(t, registry, "prebid_cache_request_time.ok", m.PrebidCacheRequestTimerSuccess)
	ensureContains(t, registry, "prebid_cache_request_time.err", m.PrebidCacheRequestTimerError)
	ensureContainsAdapterMetrics(t, registry, "adapter.bidderA", m.AdapterMetrics[bidderA])
	ensureContainsAdapterMetrics(t, registry, "adapter.bidderB", m.AdapterMetrics[bidderB])

	ensureContains(t, registry, "requests.ok.openrtb2-web", m.RequestStatuses[ReqTypeORTB2Web][RequestStatusOK])
	ensureContains(t, registry, "requests.badinput.openrtb2-web", m.RequestStatuses[ReqTypeORTB2Web][RequestStatusBadInput])
	ensureContains(t, registry, "requests.err.openrtb2-app", m.RequestStatuses[ReqTypeORTB2App][RequestStatusErr])
}

func TestRecordAdapterRequest(t *testing.T) {
	registry := metrics.NewRegistry()
	m := NewMetrics(registry, []openrtb_ext.BidderName{bidderA})

	m.RecordAdapterRequest(AdapterLabels{
		Adapter:     bidderA,
		AdapterBids: AdapterBidPresent,
	})
	m.RecordAdapterRequest(AdapterLabels{
		Adapter:       bidderA,
		AdapterBids:   AdapterBidNone,
		AdapterErrors: map[AdapterError]struct{}{AdapterErrorTimeout: {}},
	})

	am := m.AdapterMetrics[bidderA]
	VerifyMetrics(t, "requests", am.RequestMeter.Count(), 2)
	VerifyMetrics(t, "gotbids", am.GotBidsMeter.Count(), 1)
	VerifyMetrics(t, "nobid", am.NoBidMeter.Count(), 1)
	VerifyMetrics(t, "timeout", am.ErrorMeters[AdapterErrorTimeout].Count(), 1)
	VerifyMetrics(t, "badinput", am.ErrorMeters[AdapterErrorBadInput].Count(), 0)
}

func TestRecordUnknownAdapter(t *testing.T) {
	registry := metrics.NewRegistry()
	m := NewMetrics(registry, []openrtb_ext.BidderName{bidderA})

	assert.NotPanics(t, func() {
		m.RecordAdapterRequest(AdapterLabels{Adapter: "unknown", AdapterBids: AdapterBidPresent})
		m.RecordAdapterTime(AdapterLabels{Adapter: "unknown"}, time.Second)
	})
}

func TestRecordBidType(t *testing.T) {
	registry := metrics.NewRegistry()
	m := NewMetrics(registry, []openrtb_ext.BidderName{bidderA})

	m.RecordAdapterBidReceived(AdapterLabels{Adapter: bidderA}, openrtb_ext.BidTypeBanner, true)
	VerifyMetrics(t, "Banner Adm Bids", m.AdapterMetrics[bidderA].MarkupMetrics[openrtb_ext.BidTypeBanner].AdmMeter.Count(), 1)
	VerifyMetrics(t, "Banner Nurl Bids", m.AdapterMetrics[bidderA].MarkupMetrics[openrtb_ext.BidTypeBanner].NurlMeter.Count(), 0)

	m.RecordAdapterBidReceived(AdapterLabels{Adapter: bidderA}, openrtb_ext.BidTypeVideo, false)
	VerifyMetrics(t, "Video Adm Bids", m.AdapterMetrics[bidderA].MarkupMetrics[openrtb_ext.BidTypeVideo].AdmMeter.Count(), 0)
	VerifyMetrics(t, "Video Nurl Bids", m.AdapterMetrics[bidderA].MarkupMetrics[openrtb_ext.BidTypeVideo].NurlMeter.Count(), 1)
	VerifyMetrics(t, "Bids received", m.AdapterMetrics[bidderA].BidsReceivedMeter.Count(), 2)
}

func TestRecordTimes(t *testing.T) {
	registry := metrics.NewRegistry()
	m := NewMetrics(registry, []openrtb_ext.BidderName{bidderA})

	m.RecordAdapterTime(AdapterLabels{Adapter: bidderA}, 20*time.Millisecond)
	m.RecordPrebidCacheRequestTime(true, 10*time.Millisecond)
	m.RecordPrebidCacheRequestTime(false, 10*time.Millisecond)
	m.RecordAdapterPrice(AdapterLabels{Adapter: bidderA}, 1.5)

	VerifyMetrics(t, "adapter time", m.AdapterMetrics[bidderA].RequestTimer.Count(), 1)
	VerifyMetrics(t, "cache ok", m.PrebidCacheRequestTimerSuccess.Count(), 1)
	VerifyMetrics(t, "cache err", m.PrebidCacheRequestTimerError.Count(), 1)
	VerifyMetrics(t, "prices", m.AdapterMetrics[bidderA].PriceHistogram.Max(), 1500)
}

func TestRecordConnections(t *testing.T) {
	registry := metrics.NewRegistry()
	m := NewMetrics(registry, nil)

	m.RecordConnectionAccept(true)
	m.RecordConnectionAccept(true)
	m.RecordConnectionClose(true)
	m.RecordConnectionAccept(false)
	m.RecordConnectionClose(false)

	VerifyMetrics(t, "active connections", m.ConnectionCounter.Count(), 1)
	VerifyMetrics(t, "accept errors", m.ConnectionAcceptErrorMeter.Count(), 1)
	VerifyMetrics(t, "close errors", m.ConnectionCloseErrorMeter.Count(), 1)
}

func TestBlankMetricsRecordNothing(t *testing.T) {
	registry := metrics.NewRegistry()
	m := NewBlankMetrics(registry, []openrtb_ext.BidderName{bidderA})

	m.RecordAdapterRequest(AdapterLabels{Adapter: bidderA, AdapterBids: AdapterBidPresent})
	m.RecordRequest(Labels{RType: ReqTypeORTB2Web, RequestStatus: RequestStatusOK})

	VerifyMetrics(t, "requests", m.AdapterMetrics[bidderA].RequestMeter.Count(), 0)
	assert.Nil(t, registry.Get("adapter.bidderA.requests"))
}

func ensureContains(t *testing.T, registry metrics.Registry, name string, metric interface{}) {
	t.Helper()
	if inRegistry := registry.Get(name); inRegistry == nil {
		t.Errorf("No metric in registry at %s.", name)
	} else if inRegistry != metric {
		t.Errorf("Bad value stored at metric %s.", name)
	}
}

func ensureContainsAdapterMetrics(t *testing.T, registry metrics.Registry, name string, adapterMetrics *AdapterMetrics) {
	t.Helper()
	ensureContains(t, registry, name+".requests", adapterMetrics.RequestMeter)
	ensureContains(t, registry, name+".requests.nobid", adapterMetrics.NoBidMeter)
	ensureContains(t, registry, name+".requests.gotbids", adapterMetrics.GotBidsMeter)
	ensureContains(t, registry, name+".panics", adapterMetrics.PanicMeter)
	ensureContains(t, registry, name+".request_time", adapterMetrics.RequestTimer)
	ensureContains(t, registry, name+".prices", adapterMetrics.PriceHistogram)
	for errType, meter := range adapterMetrics.ErrorMeters {
		ensureContains(t, registry, name+".requests."+string(errType), meter)
	}
	for bidType, markup := range adapterMetrics.MarkupMetrics {
		ensureContains(t, registry, name+"."+string(bidType)+".adm_bids_received", markup.AdmMeter)
		ensureContains(t, registry, name+"."+string(bidType)+".nurl_bids_received", markup.NurlMeter)
	}
}

// VerifyMetrics fails the test if the expected count does not match the actual one.
func VerifyMetrics(t *testing.T, name string, actual int64, expected int64) {
	t.Helper()
	if expected != actual {
		t.Errorf("Error in metric %s: expected %d, got %d.", name, expected, actual)
	}
}
