package prebid_cache_client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/golang/glog"
	"golang.org/x/net/context/ctxhttp"

	"github.com/prebid/prebid-exchange/config"
	"github.com/prebid/prebid-exchange/metrics"
)

// Client stores values in Prebid Cache. For more info, see https://github.com/prebid/prebid-cache
type Client interface {
	// PutJson stores JSON values for the given openrtb2.Bids in the cache. All values are sent in a
	// single request.
	//
	// The returned string slice will always have the same number of elements as the values argument. If a
	// value could not be saved, the element will be an empty string. Implementations are responsible for
	// logging any relevant errors to the app logs
	PutJson(ctx context.Context, values []Cacheable) ([]string, []error)

	// GetExtCacheData returns the scheme, host and path under which cached items can be fetched by clients.
	GetExtCacheData() (scheme string, host string, path string)
}

type PayloadType string

const (
	TypeJSON PayloadType = "json"
	TypeXML  PayloadType = "xml"
)

type Cacheable struct {
	Type       PayloadType
	Data       json.RawMessage
	TTLSeconds int64
	Key        string
}

// NewClient builds a cache client on top of httpClient, whose connection pool is shared by every auction.
func NewClient(httpClient *http.Client, conf *config.Cache, extCache *config.ExternalCache, metrics metrics.MetricsEngine) Client {
	scheme, host, path := extCache.Scheme, extCache.Host, extCache.Path
	if host == "" {
		scheme, host, path = conf.Scheme, conf.Host, "/cache"
	}
	if scheme == "" {
		scheme = "https"
	}
	return &clientImpl{
		httpClient:          httpClient,
		putUrl:              conf.GetBaseURL() + "/cache",
		externalCacheScheme: strings.ToLower(scheme),
		externalCacheHost:   host,
		externalCachePath:   path,
		metrics:             metrics,
	}
}

type clientImpl struct {
	httpClient          *http.Client
	putUrl              string
	externalCacheScheme string
	externalCacheHost   string
	externalCachePath   string
	metrics             metrics.MetricsEngine
}

func (c *clientImpl) GetExtCacheData() (string, string, string) {
	path := c.externalCachePath
	if path == "/" {
		// Only the slash for the path, remove it to empty
		path = ""
	} else if len(path) > 0 && !strings.HasPrefix(path, "/") {
		// Path defined but does not start with "/", prepend it
		path = "/" + path
	}

	return c.externalCacheScheme, c.externalCacheHost, path
}

func (c *clientImpl) PutJson(ctx context.Context, values []Cacheable) (uuids []string, errs []error) {
	errs = make([]error, 0, 1)
	if len(values) < 1 {
		return nil, errs
	}

	uuidsToReturn := make([]string, len(values))

	postBody, err := encodeValues(values)
	if err != nil {
		glog.Errorf("Error creating JSON for prebid cache: %v", err)
		errs = append(errs, fmt.Errorf("Error creating JSON for prebid cache: %v", err))
		return uuidsToReturn, errs
	}

	httpReq, err := http.NewRequest("POST", c.putUrl, bytes.NewReader(postBody))
	if err != nil {
		glog.Errorf("Error creating POST request to prebid cache: %v", err)
		errs = append(errs, fmt.Errorf("Error creating POST request to prebid cache: %v", err))
		return uuidsToReturn, errs
	}

	httpReq.Header.Add("Content-Type", "application/json;charset=utf-8")
	httpReq.Header.Add("Accept", "application/json")

	startTime := time.Now()
	anResp, err := ctxhttp.Do(ctx, c.httpClient, httpReq)
	elapsedTime := time.Since(startTime)
	if err != nil {
		c.metrics.RecordPrebidCacheRequestTime(false, elapsedTime)
		friendlyErr := fmt.Errorf("Error sending the request to Prebid Cache: %v; Duration=%v", err, elapsedTime)
		glog.Error(friendlyErr)
		errs = append(errs, friendlyErr)
		return uuidsToReturn, errs
	}
	defer anResp.Body.Close()
	c.metrics.RecordPrebidCacheRequestTime(true, elapsedTime)

	responseBody, err := io.ReadAll(anResp.Body)
	if err != nil {
		glog.Errorf("Error reading Prebid Cache response: %v", err)
		errs = append(errs, fmt.Errorf("Error reading Prebid Cache response: %v", err))
		return uuidsToReturn, errs
	}
	if anResp.StatusCode != http.StatusOK {
		glog.Errorf("Prebid Cache call to %s returned %d: %s", c.putUrl, anResp.StatusCode, responseBody)
		errs = append(errs, fmt.Errorf("Prebid Cache call to %s returned %d: %s", c.putUrl, anResp.StatusCode, responseBody))
		return uuidsToReturn, errs
	}

	currentIndex := 0
	processResponse := func(uuidObj []byte, _ jsonparser.ValueType, _ int, err error) {
		if currentIndex >= len(uuidsToReturn) {
			currentIndex++
			return
		}
		if uuid, valueType, _, err := jsonparser.Get(uuidObj, "uuid"); err != nil {
			glog.Errorf("Prebid Cache returned a bad value at index %d. Error was: %v. Response body was: %s", currentIndex, err, string(responseBody))
			errs = append(errs, fmt.Errorf("Prebid Cache returned a bad value at index %d. Error was: %v. Response body was: %s", currentIndex, err, string(responseBody)))
		} else if valueType != jsonparser.String {
			glog.Errorf("Prebid Cache returned a %v at index %d in: %v", valueType, currentIndex, string(responseBody))
			errs = append(errs, fmt.Errorf("Prebid Cache returned a %v at index %d in: %v", valueType, currentIndex, string(responseBody)))
		} else {
			if uuidsToReturn[currentIndex], err = jsonparser.ParseString(uuid); err != nil {
				glog.Errorf("Prebid Cache response index %d could not be parsed as string: %v", currentIndex, err)
				errs = append(errs, fmt.Errorf("Prebid Cache response index %d could not be parsed as string: %v", currentIndex, err))
				uuidsToReturn[currentIndex] = ""
			}
		}
		currentIndex++
	}

	if _, err := jsonparser.ArrayEach(responseBody, processResponse, "responses"); err != nil {
		glog.Errorf("Error interpreting Prebid Cache response: %v\nResponse was: %s", err, string(responseBody))
		errs = append(errs, fmt.Errorf("Error interpreting Prebid Cache response: %v\nResponse was: %s", err, string(responseBody)))
		return uuidsToReturn, errs
	}
	if currentIndex != len(values) {
		glog.Errorf("Prebid Cache returned %d uuids for %d puts", currentIndex, len(values))
		errs = append(errs, fmt.Errorf("Prebid Cache returned %d uuids for %d puts", currentIndex, len(values)))
	}

	return uuidsToReturn, errs
}

func encodeValues(values []Cacheable) ([]byte, error) {
	// This function assumes that values is non-nil and has at least one element.
	// clientImpl.PutJson should respect this.
	var buf bytes.Buffer
	buf.WriteString(`{"puts":[`)
	for i := 0; i < len(values); i++ {
		if err := encodeValueToBuffer(values[i], i != 0, &buf); err != nil {
			return nil, err
		}
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

func encodeValueToBuffer(value Cacheable, leadingComma bool, buffer *bytes.Buffer) error {
	if len(value.Data) == 0 {
		return fmt.Errorf("cacheable value of type %s has no data", value.Type)
	}
	if leadingComma {
		buffer.WriteByte(',')
	}

	buffer.WriteString(`{"type":"`)
	buffer.WriteString(string(value.Type))
	if value.TTLSeconds > 0 {
		buffer.WriteString(`","ttlseconds":`)
		buffer.WriteString(strconv.FormatInt(value.TTLSeconds, 10))
		buffer.WriteString(`,"value":`)
	} else {
		buffer.WriteString(`","value":`)
	}
	buffer.Write(value.Data)
	if len(value.Key) > 0 {
		buffer.WriteString(`,"key":"`)
		buffer.WriteString(value.Key)
		buffer.WriteString(`"`)
	}
	buffer.WriteByte('}')
	return nil
}
