package exchange

import (
	"sync"

	"github.com/prebid/prebid-exchange/adapters"
	"github.com/prebid/prebid-exchange/openrtb_ext"
)

const authorizationHeader = "Authorization"

// httpCallTracer collects every outbound bidder call made during one auction.
// Bidders record into it concurrently; entries are never removed.
type httpCallTracer struct {
	mu    sync.Mutex
	calls map[openrtb_ext.BidderName][]*openrtb_ext.ExtHttpCall
}

func newHttpCallTracer() *httpCallTracer {
	return &httpCallTracer{
		calls: make(map[openrtb_ext.BidderName][]*openrtb_ext.ExtHttpCall),
	}
}

func (t *httpCallTracer) record(bidder openrtb_ext.BidderName, call *openrtb_ext.ExtHttpCall) {
	if t == nil || call == nil {
		return
	}
	t.mu.Lock()
	t.calls[bidder] = append(t.calls[bidder], call)
	t.mu.Unlock()
}

// callsFor returns a copy of the calls recorded for the bidder so far.
func (t *httpCallTracer) callsFor(bidder openrtb_ext.BidderName) []*openrtb_ext.ExtHttpCall {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	recorded := t.calls[bidder]
	if len(recorded) == 0 {
		return nil
	}
	calls := make([]*openrtb_ext.ExtHttpCall, len(recorded))
	copy(calls, recorded)
	return calls
}

// makeExt transforms information about the HTTP call into the contract class for the response.
func makeExt(httpInfo *httpCallInfo) *openrtb_ext.ExtHttpCall {
	ext := &openrtb_ext.ExtHttpCall{}

	if httpInfo != nil && httpInfo.request != nil {
		ext.Uri = httpInfo.request.Uri
		ext.RequestBody = string(httpInfo.request.Body)
		ext.RequestHeaders = filterHeader(httpInfo.request)

		if httpInfo.response != nil {
			ext.ResponseBody = string(httpInfo.response.Body)
			ext.Status = httpInfo.response.StatusCode
		}
	}

	return ext
}

func filterHeader(req *adapters.RequestData) map[string][]string {
	if len(req.Headers) == 0 {
		return nil
	}
	clone := req.Headers.Clone()
	clone.Del(authorizationHeader)
	return clone
}
