package usersync

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/prebid/prebid-exchange/openrtb_ext"
)

func TestOptOutCookie(t *testing.T) {
	cookie := &Cookie{
		uids:   make(map[string]UIDEntry),
		optOut: true,
	}
	ensureConsistency(t, cookie)
}

func TestEmptyCookie(t *testing.T) {
	cookie := &Cookie{
		uids:   make(map[string]UIDEntry),
		optOut: false,
	}
	ensureConsistency(t, cookie)
}

func TestCookieWithData(t *testing.T) {
	cookie := newSampleCookie()
	ensureConsistency(t, cookie)
}

func TestBidderNameGets(t *testing.T) {
	cookie := newSampleCookie()
	id, exists, _ := cookie.GetUID("adnxs")
	if !exists {
		t.Errorf("Cookie missing expected adnxs ID")
	}
	if id != "123" {
		t.Errorf("Bad adnxs id. Expected %s, got %s", "123", id)
	}

	id, exists, _ = cookie.GetUID("rubicon")
	if !exists {
		t.Errorf("Cookie missing expected rubicon ID")
	}
	if id != "456" {
		t.Errorf("Bad rubicon id. Expected %s, got %s", "456", id)
	}
}

func TestGetId(t *testing.T) {
	cookie := newSampleCookie()
	cookie.uids["stale"] = UIDEntry{UID: "789", Expires: time.Now().Add(-time.Minute)}

	uid, ok := cookie.GetId("adnxs")
	assert.True(t, ok)
	assert.Equal(t, "123", uid)

	_, ok = cookie.GetId("stale")
	assert.False(t, ok, "expired ids must not be handed to bidders")

	_, ok = cookie.GetId("unknown")
	assert.False(t, ok)
}

func TestGetIdOptedOut(t *testing.T) {
	var cookie *Cookie
	_, ok := cookie.GetId("adnxs")
	assert.False(t, ok)

	cookie = &Cookie{uids: map[string]UIDEntry{"adnxs": {UID: "123", Expires: time.Now().Add(time.Hour)}}, optOut: true}
	_, ok = cookie.GetId("adnxs")
	assert.False(t, ok)
}

func TestParseCorruptedCookie(t *testing.T) {
	raw := http.Cookie{
		Name:  DefaultCookieName,
		Value: "bad base64 encoding",
	}
	parsed := parseCookie(&raw)
	ensureEmptyMap(t, parsed)
}

func TestParseCorruptedCookieJSON(t *testing.T) {
	cookieData := http.Cookie{
		Name:  DefaultCookieName,
		Value: "ZXZhbCgiYWxlcnQoJ1lvdSBnb3QgcHduZWQhJykiKQ==",
	}
	parsed := parseCookie(&cookieData)
	ensureEmptyMap(t, parsed)
}

func TestParseNilSyncMap(t *testing.T) {
	cookieJSON := "{\"bday\":123,\"optout\":true}"
	cookieData := http.Cookie{
		Name:  DefaultCookieName,
		Value: encodeBase64(cookieJSON),
	}
	parsed := parseCookie(&cookieData)
	ensureEmptyMap(t, parsed)
	if parsed.AllowSyncs() {
		t.Errorf("Opted out cookie must not allow syncs")
	}
}

func TestReadCookie(t *testing.T) {
	cookie := newSampleCookie()
	encoded, err := encodeCookie(cookie)
	assert.NoError(t, err)

	req := httptest.NewRequest("POST", "http://www.prebid.com/openrtb2/auction", nil)
	req.AddCookie(&http.Cookie{Name: "custom_uids", Value: encoded})

	parsed := ReadCookie(req, "custom_uids", DecodeV1{})
	uid, ok := parsed.GetId("rubicon")
	assert.True(t, ok)
	assert.Equal(t, "456", uid)

	parsed = ReadCookie(req, "", DecodeV1{})
	ensureEmptyMap(t, parsed)
}

func TestUIDMap(t *testing.T) {
	ids := UIDMap{"a": "user-a", "b": ""}

	uid, ok := ids.GetId("a")
	assert.True(t, ok)
	assert.Equal(t, "user-a", uid)

	_, ok = ids.GetId("b")
	assert.False(t, ok)

	_, ok = ids.GetId(openrtb_ext.BidderName("c"))
	assert.False(t, ok)
}

func parseCookie(httpCookie *http.Cookie) *Cookie {
	return DecodeV1{}.Decode(httpCookie.Value)
}

func httpCookieFor(t *testing.T, cookie *Cookie) *http.Cookie {
	t.Helper()
	encoded, err := encodeCookie(cookie)
	assert.NoError(t, err)
	return &http.Cookie{Name: DefaultCookieName, Value: encoded}
}

func ensureEmptyMap(t *testing.T, cookie *Cookie) {
	t.Helper()
	if !cookie.AllowSyncs() && len(cookie.uids) != 0 {
		t.Error("Opted out cookies should not hold uids")
	}
	if len(cookie.GetUIDs()) != 0 {
		t.Errorf("Expected an empty cookie, got %v", cookie.GetUIDs())
	}
}

func ensureConsistency(t *testing.T, cookie *Cookie) {
	t.Helper()
	parsed := parseCookie(httpCookieFor(t, cookie))
	if parsed.AllowSyncs() != cookie.AllowSyncs() {
		t.Errorf("The value of AllowSyncs was not preserved: %t", cookie.AllowSyncs())
	}
	assert.Equal(t, cookie.GetUIDs(), parsed.GetUIDs())
	for key := range cookie.uids {
		assert.Equal(t, cookie.HasLiveSync(key), parsed.HasLiveSync(key), "live state of %s", key)
	}
}

func newTempId(uid string, offset int) UIDEntry {
	return UIDEntry{
		UID:     uid,
		Expires: time.Now().Add(time.Duration(offset) * time.Minute).UTC(),
	}
}

func newSampleCookie() *Cookie {
	return &Cookie{
		uids: map[string]UIDEntry{
			"adnxs":   newTempId("123", 10),
			"rubicon": newTempId("456", 10),
		},
		optOut: false,
	}
}

// encodeCookie writes the cookie the way DecodeV1 reads it.
func encodeCookie(cookie *Cookie) (string, error) {
	j, err := json.Marshal(cookie)
	if err != nil {
		return "", err
	}
	return encodeBase64(string(j)), nil
}

func encodeBase64(value string) string {
	return base64.URLEncoding.EncodeToString([]byte(value))
}
