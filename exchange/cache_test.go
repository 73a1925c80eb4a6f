package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/stretchr/testify/assert"

	"github.com/prebid/prebid-exchange/errortypes"
	"github.com/prebid/prebid-exchange/openrtb_ext"
	"github.com/prebid/prebid-exchange/prebid_cache_client"
)

// mockCache records every batch it is handed and answers with uuid-<n> handles.
type mockCache struct {
	scheme, host, path string
	puts               [][]prebid_cache_client.Cacheable
	errs               []error
	missing            int
}

func (c *mockCache) GetExtCacheData() (string, string, string) {
	return c.scheme, c.host, c.path
}

func (c *mockCache) PutJson(ctx context.Context, values []prebid_cache_client.Cacheable) ([]string, []error) {
	c.puts = append(c.puts, values)
	ids := make([]string, len(values))
	for i := range values {
		if i < len(values)-c.missing {
			ids[i] = fmt.Sprintf("uuid-%d", i)
		}
	}
	return ids, c.errs
}

func TestGetExtCacheInstructions(t *testing.T) {
	testCases := []struct {
		description string
		ext         string
		expected    extCacheInstructions
	}{
		{
			description: "no cache",
			ext:         `{"prebid":{}}`,
			expected:    extCacheInstructions{},
		},
		{
			description: "bids only",
			ext:         `{"prebid":{"cache":{"bids":{}}}}`,
			expected:    extCacheInstructions{cacheBids: true},
		},
		{
			description: "both with ttls",
			ext:         `{"prebid":{"cache":{"bids":{"ttlseconds":60},"vastxml":{"ttlseconds":120}}}}`,
			expected:    extCacheInstructions{cacheBids: true, cacheVAST: true, bidsTTL: 60, vastTTL: 120},
		},
	}

	for _, test := range testCases {
		var ext openrtb_ext.ExtRequest
		assert.NoError(t, json.Unmarshal([]byte(test.ext), &ext), test.description)
		instructions := getExtCacheInstructions(&ext)
		assert.Equal(t, test.expected, instructions, test.description)
		assert.Equal(t, test.expected.cacheBids || test.expected.cacheVAST, instructions.needsCache(), test.description)
	}

	assert.False(t, getExtCacheInstructions(nil).needsCache())
}

func TestDoCacheSendsOneBatch(t *testing.T) {
	bannerA := bidOf("a1", "imp1", 2)
	lowerA := bidOf("a2", "imp1", 1)
	videoB := &pbsOrtbBid{
		bid:     &openrtb2.Bid{ID: "b1", ImpID: "imp1", Price: 1.5, AdM: "<VAST></VAST>", Exp: 30},
		bidType: openrtb_ext.BidTypeVideo,
	}
	auc := newAuction(map[openrtb_ext.BidderName]*pbsOrtbSeatBid{
		"a": {bids: []*pbsOrtbBid{bannerA, lowerA}},
		"b": {bids: []*pbsOrtbBid{videoB}},
	}, 1)

	cache := &mockCache{}
	errs := auc.doCache(context.Background(), cache, extCacheInstructions{cacheBids: true, cacheVAST: true, vastTTL: 90}, 300)

	assert.Empty(t, errs)
	if !assert.Len(t, cache.puts, 1) {
		return
	}
	batch := cache.puts[0]
	if assert.Len(t, batch, 3) {
		assert.Equal(t, prebid_cache_client.TypeJSON, batch[0].Type)
		assert.Equal(t, int64(300), batch[0].TTLSeconds)
		assert.Equal(t, prebid_cache_client.TypeJSON, batch[1].Type)
		assert.Equal(t, int64(30), batch[1].TTLSeconds)
		assert.Equal(t, prebid_cache_client.TypeXML, batch[2].Type)
		assert.Equal(t, int64(30), batch[2].TTLSeconds)
		assert.JSONEq(t, `"<VAST></VAST>"`, string(batch[2].Data))
	}

	assert.Equal(t, map[*openrtb2.Bid]string{bannerA.bid: "uuid-0", videoB.bid: "uuid-1"}, auc.cacheIds)
	assert.Equal(t, map[*openrtb2.Bid]string{videoB.bid: "uuid-2"}, auc.vastCacheIds)
	_, cached := auc.cacheId(lowerA.bid)
	assert.False(t, cached, "only the best bid of each bidder is cached")
}

func TestDoCacheSkipsMissingHandles(t *testing.T) {
	first := bidOf("a1", "imp1", 2)
	second := bidOf("b1", "imp1", 1)
	auc := newAuction(map[openrtb_ext.BidderName]*pbsOrtbSeatBid{
		"a": {bids: []*pbsOrtbBid{first}},
		"b": {bids: []*pbsOrtbBid{second}},
	}, 1)

	cache := &mockCache{missing: 1, errs: []error{errors.New("short response")}}
	errs := auc.doCache(context.Background(), cache, extCacheInstructions{cacheBids: true}, 300)

	assert.Len(t, errs, 1)
	assert.Equal(t, map[*openrtb2.Bid]string{first.bid: "uuid-0"}, auc.cacheIds)
}

func TestDoCacheNothingToCache(t *testing.T) {
	auc := newAuction(map[openrtb_ext.BidderName]*pbsOrtbSeatBid{
		"a": {bids: []*pbsOrtbBid{bidOf("a1", "imp1", 2)}},
	}, 1)

	cache := &mockCache{}
	errs := auc.doCache(context.Background(), cache, extCacheInstructions{cacheVAST: true}, 300)

	assert.Empty(t, errs)
	assert.Empty(t, cache.puts, "banner bids have no VAST to cache")
}

func TestCacheBidsTurnsErrorsIntoWarnings(t *testing.T) {
	auc := newAuction(map[openrtb_ext.BidderName]*pbsOrtbSeatBid{
		"a": {bids: []*pbsOrtbBid{bidOf("a1", "imp1", 2)}},
	}, 1)
	e := &exchange{cache: &mockCache{errs: []error{errors.New("cache is down")}}, defaultCacheTTL: 300}

	warnings := e.cacheBids(context.Background(), auc, extCacheInstructions{cacheBids: true})

	if assert.Len(t, warnings, 1) {
		assert.True(t, errortypes.IsWarning(warnings[0]))
		assert.Equal(t, errortypes.CacheWarningCode, errortypes.ReadCode(warnings[0]))
		assert.Equal(t, "Error caching bids: cache is down", warnings[0].Error())
	}
}

func TestCacheBidsWithoutCache(t *testing.T) {
	e := &exchange{}
	warnings := e.cacheBids(context.Background(), &auction{}, extCacheInstructions{cacheBids: true})
	if assert.Len(t, warnings, 1) {
		assert.Equal(t, errortypes.CacheWarningCode, errortypes.ReadCode(warnings[0]))
	}
}

func TestCacheTTL(t *testing.T) {
	assert.Equal(t, int64(10), cacheTTL(&openrtb2.Bid{Exp: 10}, 20, 30))
	assert.Equal(t, int64(20), cacheTTL(&openrtb2.Bid{}, 20, 30))
	assert.Equal(t, int64(30), cacheTTL(&openrtb2.Bid{}, 0, 30))
}

func TestMakeVAST(t *testing.T) {
	assert.Equal(t, "<VAST/>", makeVAST(&openrtb2.Bid{AdM: "<VAST/>", NURL: "http://ignored"}))
	assert.Equal(t, `<VAST version="3.0"><Ad><Wrapper>`+
		`<AdSystem>prebid.org wrapper</AdSystem>`+
		`<VASTAdTagURI><![CDATA[http://domain.com/winning-url]]></VASTAdTagURI>`+
		`<Impression></Impression><Creatives></Creatives>`+
		`</Wrapper></Ad></VAST>`, makeVAST(&openrtb2.Bid{NURL: "http://domain.com/winning-url"}))
}
