package prebid_cache_client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/prebid/prebid-exchange/config"
	"github.com/prebid/prebid-exchange/metrics"
	metricsConf "github.com/prebid/prebid-exchange/metrics/config"
)

// An empty put must never reach the server.
func TestEmptyPut(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("The server should not be called.")
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	metricsMock := &metrics.MetricsEngineMock{}

	client := &clientImpl{
		httpClient: server.Client(),
		putUrl:     server.URL,
		metrics:    metricsMock,
	}
	ids, _ := client.PutJson(context.Background(), nil)
	assertIntEqual(t, len(ids), 0)
	ids, _ = client.PutJson(context.Background(), []Cacheable{})
	assertIntEqual(t, len(ids), 0)

	metricsMock.AssertNotCalled(t, "RecordPrebidCacheRequestTime")
}

func TestBadResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	metricsMock := &metrics.MetricsEngineMock{}
	metricsMock.On("RecordPrebidCacheRequestTime", true, mock.Anything).Once()

	client := &clientImpl{
		httpClient: server.Client(),
		putUrl:     server.URL,
		metrics:    metricsMock,
	}
	ids, errs := client.PutJson(context.Background(), []Cacheable{
		{
			Type: TypeJSON,
			Data: json.RawMessage("true"),
		}, {
			Type: TypeJSON,
			Data: json.RawMessage("false"),
		},
	})
	assertIntEqual(t, len(ids), 2)
	assertStringEqual(t, ids[0], "")
	assertStringEqual(t, ids[1], "")
	assert.Len(t, errs, 1)

	metricsMock.AssertExpectations(t)
}

func TestCancelledContext(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	metricsMock := &metrics.MetricsEngineMock{}
	metricsMock.On("RecordPrebidCacheRequestTime", false, mock.Anything).Once()

	client := &clientImpl{
		httpClient: server.Client(),
		putUrl:     server.URL,
		metrics:    metricsMock,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ids, errs := client.PutJson(ctx, []Cacheable{{
		Type: TypeJSON,
		Data: json.RawMessage("true"),
	},
	})
	assertIntEqual(t, len(ids), 1)
	assertStringEqual(t, ids[0], "")
	assert.Len(t, errs, 1)

	metricsMock.AssertExpectations(t)
}

func TestSuccessfulPut(t *testing.T) {
	server := httptest.NewServer(newHandler(2))
	defer server.Close()

	metricsMock := &metrics.MetricsEngineMock{}
	metricsMock.On("RecordPrebidCacheRequestTime", true, mock.Anything).Once()

	client := &clientImpl{
		httpClient: server.Client(),
		putUrl:     server.URL,
		metrics:    metricsMock,
	}

	ids, errs := client.PutJson(context.Background(), []Cacheable{
		{
			Type:       TypeJSON,
			Data:       json.RawMessage("true"),
			TTLSeconds: 300,
		}, {
			Type: TypeJSON,
			Data: json.RawMessage("false"),
		},
	})
	assertIntEqual(t, len(ids), 2)
	assertStringEqual(t, ids[0], "0")
	assertStringEqual(t, ids[1], "1")
	assert.Empty(t, errs)

	metricsMock.AssertExpectations(t)
}

func TestPutSendsOneBatch(t *testing.T) {
	var calls int
	var received []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"responses":[{"uuid":"a"},{"uuid":"b"},{"uuid":"c"}]}`))
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client := &clientImpl{
		httpClient: server.Client(),
		putUrl:     server.URL,
		metrics:    &metricsConf.DummyMetricsEngine{},
	}

	ids, errs := client.PutJson(context.Background(), []Cacheable{
		{Type: TypeJSON, Data: json.RawMessage(`{"id":"1"}`), TTLSeconds: 60},
		{Type: TypeXML, Data: json.RawMessage(`"<VAST></VAST>"`), TTLSeconds: 60},
		{Type: TypeJSON, Data: json.RawMessage(`{"id":"2"}`)},
	})
	assert.Empty(t, errs)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 1, calls)
	assert.JSONEq(t, `{"puts":[
		{"type":"json","ttlseconds":60,"value":{"id":"1"}},
		{"type":"xml","ttlseconds":60,"value":"<VAST></VAST>"},
		{"type":"json","value":{"id":"2"}}
	]}`, string(received))
}

func TestShortResponse(t *testing.T) {
	server := httptest.NewServer(newHandler(1))
	defer server.Close()

	client := &clientImpl{
		httpClient: server.Client(),
		putUrl:     server.URL,
		metrics:    &metricsConf.DummyMetricsEngine{},
	}

	ids, errs := client.PutJson(context.Background(), []Cacheable{
		{Type: TypeJSON, Data: json.RawMessage("true")},
		{Type: TypeJSON, Data: json.RawMessage("false")},
	})
	assert.Equal(t, []string{"0", ""}, ids)
	assert.Len(t, errs, 1)
}

func TestMalformedResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"responses":[{"uuid":5}]}`))
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client := &clientImpl{
		httpClient: server.Client(),
		putUrl:     server.URL,
		metrics:    &metricsConf.DummyMetricsEngine{},
	}

	ids, errs := client.PutJson(context.Background(), []Cacheable{{Type: TypeJSON, Data: json.RawMessage("true")}})
	assert.Equal(t, []string{""}, ids)
	assert.NotEmpty(t, errs)
}

func TestEncodeValueToBuffer(t *testing.T) {
	buf := new(bytes.Buffer)
	testCache := Cacheable{
		Type:       TypeJSON,
		Data:       json.RawMessage(`{}`),
		TTLSeconds: 300,
	}
	expected := string(`{"type":"json","ttlseconds":300,"value":{}}`)
	_ = encodeValueToBuffer(testCache, false, buf)
	actual := buf.String()
	assertStringEqual(t, expected, actual)
}

func TestEncodeValueWithKey(t *testing.T) {
	buf := new(bytes.Buffer)
	err := encodeValueToBuffer(Cacheable{Type: TypeXML, Data: json.RawMessage(`"<VAST/>"`), Key: "k1"}, true, buf)
	assert.NoError(t, err)
	assert.Equal(t, `,{"type":"xml","value":"<VAST/>","key":"k1"}`, buf.String())
}

func TestEncodeValueWithoutData(t *testing.T) {
	_, err := encodeValues([]Cacheable{{Type: TypeJSON}})
	assert.Error(t, err)
}

// GetExtCacheData must return the exact Path and Host that were configured, with only the leading
// slash normalized.
func TestStripCacheHostAndPath(t *testing.T) {
	inCacheURL := config.Cache{ExpectedTimeMillis: 10}
	type aTest struct {
		inExtCacheURL config.ExternalCache
		expectedHost  string
		expectedPath  string
	}
	testInput := []aTest{
		{
			inExtCacheURL: config.ExternalCache{
				Host: "prebid-server.prebid.org",
				Path: "/pbcache/endpoint",
			},
			expectedHost: "prebid-server.prebid.org",
			expectedPath: "/pbcache/endpoint",
		},
		{
			inExtCacheURL: config.ExternalCache{
				Host: "prebidcache.net",
				Path: "",
			},
			expectedHost: "prebidcache.net",
			expectedPath: "",
		},
		{
			inExtCacheURL: config.ExternalCache{
				Host: "prebid-server.prebid.org",
				Path: "pbcache/endpoint",
			},
			expectedHost: "prebid-server.prebid.org",
			expectedPath: "/pbcache/endpoint",
		},
		{
			inExtCacheURL: config.ExternalCache{
				Host: "prebidcache.net",
				Path: "/",
			},
			expectedHost: "prebidcache.net",
			expectedPath: "",
		},
	}
	for _, test := range testInput {
		//start client
		cacheClient := NewClient(http.DefaultClient, &inCacheURL, &test.inExtCacheURL, &metricsConf.DummyMetricsEngine{})
		_, cHost, cPath := cacheClient.GetExtCacheData()

		//assert
		assert.Equal(t, test.expectedHost, cHost)
		assert.Equal(t, test.expectedPath, cPath)
	}
}

func TestExtCacheFallsBackToInternalCache(t *testing.T) {
	inCacheURL := config.Cache{Scheme: "HTTP", Host: "cache.internal"}
	cacheClient := NewClient(http.DefaultClient, &inCacheURL, &config.ExternalCache{}, &metricsConf.DummyMetricsEngine{})
	scheme, host, path := cacheClient.GetExtCacheData()
	assert.Equal(t, "http", scheme)
	assert.Equal(t, "cache.internal", host)
	assert.Equal(t, "/cache", path)
}

func assertIntEqual(t *testing.T, expected, actual int) {
	t.Helper()
	if expected != actual {
		t.Errorf("Expected %d, got %d", expected, actual)
	}
}

func assertStringEqual(t *testing.T, expected, actual string) {
	t.Helper()
	if expected != actual {
		t.Errorf(`Expected "%s", got "%s"`, expected, actual)
	}
}

type responseObject struct {
	UUID string `json:"uuid"`
}

type response struct {
	Responses []responseObject `json:"responses"`
}

func newHandler(numResponses int) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := response{
			Responses: make([]responseObject, numResponses),
		}
		for i := 0; i < numResponses; i++ {
			resp.Responses[i].UUID = strconv.Itoa(i)
		}

		respBytes, _ := json.Marshal(resp)
		w.Write(respBytes)
	})
}
