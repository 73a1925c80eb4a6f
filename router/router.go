package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/prebid/prebid-exchange/adapters"
	"github.com/prebid/prebid-exchange/config"
	"github.com/prebid/prebid-exchange/endpoints"
	"github.com/prebid/prebid-exchange/endpoints/openrtb2"
	"github.com/prebid/prebid-exchange/errortypes"
	"github.com/prebid/prebid-exchange/exchange"
	"github.com/prebid/prebid-exchange/metrics"
	metricsConf "github.com/prebid/prebid-exchange/metrics/config"
	"github.com/prebid/prebid-exchange/openrtb_ext"
	pbc "github.com/prebid/prebid-exchange/prebid_cache_client"
	"github.com/prebid/prebid-exchange/router/aspects"
)

// NewJsonDirectoryServer is used to serve .json files from a directory as a single blob. For example,
// given a directory containing the files "a.json" and "b.json", this returns a Handle which serves JSON like:
//
//	{
//	  "a": { ... content from the file a.json ... },
//	  "b": { ... content from the file b.json ... }
//	}
//
// This function stores the file contents in memory, and should not be used on large directories.
func NewJsonDirectoryServer(schemaDirectory string, validator openrtb_ext.BidderParamValidator) (httprouter.Handle, error) {
	// Slurp the files into memory first, since they're small and it minimizes request latency.
	files, err := os.ReadDir(schemaDirectory)
	if err != nil {
		return nil, fmt.Errorf("Failed to read directory %s: %v", schemaDirectory, err)
	}

	data := make(map[string]json.RawMessage, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		bidder := strings.TrimSuffix(file.Name(), ".json")
		data[bidder] = json.RawMessage(validator.Schema(openrtb_ext.BidderName(bidder)))
	}

	response, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("Failed to marshal bidder param JSON-schema: %v", err)
	}

	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Add("Content-Type", "application/json")
		w.Write(response)
	}, nil
}

type NoCache struct {
	Handler http.Handler
}

func (m NoCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Add("Pragma", "no-cache")
	w.Header().Add("Expires", "0")
	m.Handler.ServeHTTP(w, r)
}

type Router struct {
	*httprouter.Router
	// MetricsEngine is the synchronous engine. Connection metrics and the prometheus listener read it directly.
	MetricsEngine   *metricsConf.DetailedMetricsEngine
	ParamsValidator openrtb_ext.BidderParamValidator
	Shutdown        func()
}

// New wires the auction and its supporting endpoints from the host config.
// Callers must invoke Shutdown once the servers have stopped so queued metrics are flushed.
func New(cfg *config.Configuration) (r *Router, err error) {
	r = &Router{
		Router: httprouter.New(),
	}

	generalHttpClient := adapters.NewHTTPClient(adapters.NewHTTPAdapterConfig(cfg.HTTPClient))
	cacheHttpClient := adapters.NewHTTPClient(adapters.NewHTTPAdapterConfig(cfg.CacheClient))

	r.ParamsValidator, err = openrtb_ext.NewBidderParamsValidator(cfg.BidderParamsDir)
	if err != nil {
		return nil, fmt.Errorf("Failed to create the bidder params validator. %v", err)
	}

	adapters, adaptersErrs := exchange.BuildAdapters(generalHttpClient, cfg)
	if len(adaptersErrs) > 0 {
		return nil, errortypes.NewAggregateErrors("Failed to initialize adapters", adaptersErrs)
	}
	bidderNames := exchange.BidderNames(adapters)
	glog.Infof("Auctions will call %d bidders: %v", len(bidderNames), bidderNames)

	r.MetricsEngine = metricsConf.NewMetricsEngine(cfg, bidderNames)
	asyncMetrics := metrics.NewAsyncMetricsEngine(r.MetricsEngine, cfg.Metrics.AsyncQueueSize)
	r.Shutdown = func() {
		asyncMetrics.Shutdown()
		if dropped := asyncMetrics.Dropped(); dropped > 0 {
			glog.Warningf("Dropped %d metric records because the queue was full", dropped)
		}
	}

	var cacheClient pbc.Client
	if cfg.CacheURL.Host != "" {
		cacheClient = pbc.NewClient(cacheHttpClient, &cfg.CacheURL, &cfg.ExtCacheURL, asyncMetrics)
	} else {
		glog.Infof("No cache host is configured. Requests for cached bids will get a warning instead.")
	}
	theExchange := exchange.NewExchange(adapters, cacheClient, cfg, asyncMetrics, r.ParamsValidator, clock.New())

	openrtbEndpoint, err := openrtb2.NewEndpoint(theExchange, cfg, asyncMetrics)
	if err != nil {
		return nil, fmt.Errorf("Failed to create the openrtb2 endpoint handler. %v", err)
	}

	requestTimeoutHeaders := config.RequestTimeoutHeaders{}
	if cfg.RequestTimeoutHeaders != requestTimeoutHeaders {
		openrtbEndpoint = aspects.QueuedRequestTimeout(openrtbEndpoint, cfg.RequestTimeoutHeaders)
	}

	paramsEndpoint, err := NewJsonDirectoryServer(cfg.BidderParamsDir, r.ParamsValidator)
	if err != nil {
		return nil, err
	}

	r.POST("/openrtb2/auction", openrtbEndpoint)
	r.GET("/bidders/params", paramsEndpoint)
	r.GET("/status", endpoints.NewStatusEndpoint(cfg.StatusResponse))

	return r, nil
}

// Admin returns the handler for the admin listener.
func Admin(version, revision string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/version", endpoints.NewVersionEndpoint(version, revision))
	return mux
}

// These CORS options pose a security risk... but it's a calculated one.
// People _must_ call us with "withCredentials" set to "true" because that's how we read the uids cookie.
// We also must allow all origins because every site on the internet _could_ call us.
//
// This is an inherent security risk. However, we don't use cookies for authorization--just identification.
// We only store the User's ID for each Bidder, and each Bidder has already exposed that id publicly.
//
// For more info, see:
//
// - https://github.com/rs/cors/issues/55
// - https://developer.mozilla.org/en-US/docs/Web/HTTP/CORS/Errors/CORSNotSupportingCredentials
func SupportCORS(handler http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowCredentials: true,
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept"}})
	return c.Handler(handler)
}
