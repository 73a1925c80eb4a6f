package usersync

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prebid/prebid-exchange/openrtb_ext"
)

// DefaultCookieName is used when the host does not configure uid_cookie_name.
const DefaultCookieName = "uids"

// Cookie is the cookie used in Prebid Server.
//
// To get an instance of this from a request, use ReadCookie. The exchange only ever reads it.
type Cookie struct {
	uids   map[string]UIDEntry
	optOut bool
}

// UIDEntry bundles the UID with an Expiration date.
type UIDEntry struct {
	// UID is the ID given to a user by a particular bidder
	UID string `json:"uid"`
	// Expires is the time at which this UID should no longer apply.
	Expires time.Time `json:"expires"`
}

// NewCookie returns a new empty cookie.
func NewCookie() *Cookie {
	return &Cookie{
		uids: make(map[string]UIDEntry),
	}
}

// ReadCookie reads the cookie from the request
func ReadCookie(r *http.Request, cookieName string, decoder Decoder) *Cookie {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	cookieFromRequest, err := r.Cookie(cookieName)
	if err != nil {
		return NewCookie()
	}
	return decoder.Decode(cookieFromRequest.Value)
}

// AllowSyncs is true if the user lets bidders sync cookies, and false otherwise.
func (cookie *Cookie) AllowSyncs() bool {
	return cookie != nil && !cookie.optOut
}

// GetUID Gets this user's ID for the given syncer key.
func (cookie *Cookie) GetUID(key string) (uid string, isUIDFound bool, isUIDActive bool) {
	if cookie != nil {
		if uid, ok := cookie.uids[key]; ok {
			return uid.UID, true, time.Now().Before(uid.Expires)
		}
	}
	return "", false, false
}

// GetId returns the live id this user has with the bidder. Opted out users have none.
func (cookie *Cookie) GetId(bidder openrtb_ext.BidderName) (string, bool) {
	if !cookie.AllowSyncs() {
		return "", false
	}
	uid, _, active := cookie.GetUID(string(bidder))
	if !active || uid == "" {
		return "", false
	}
	return uid, true
}

// GetUIDs returns this user's ID for all the bidders
func (cookie *Cookie) GetUIDs() map[string]string {
	uids := make(map[string]string)
	if cookie != nil {
		for bidderName, uidWithExpiry := range cookie.uids {
			uids[bidderName] = uidWithExpiry.UID
		}
	}
	return uids
}

// HasLiveSync returns true if we have an active UID for the given syncer key, and false otherwise.
func (cookie *Cookie) HasLiveSync(key string) bool {
	_, _, isLive := cookie.GetUID(key)
	return isLive
}

// cookieJson defines the JSON contract for the cookie data's storage format.
//
// This exists so that Cookie (which is public) can have private fields, and the rest of
// the code doesn't have to worry about the cookie data storage format.
type cookieJson struct {
	UIDs   map[string]UIDEntry `json:"tempUIDs,omitempty"`
	OptOut bool                `json:"optout,omitempty"`
}

func (cookie *Cookie) MarshalJSON() ([]byte, error) {
	return json.Marshal(cookieJson{
		UIDs:   cookie.uids,
		OptOut: cookie.optOut,
	})
}

func (cookie *Cookie) UnmarshalJSON(b []byte) error {
	var cookieContract cookieJson
	if err := json.Unmarshal(b, &cookieContract); err != nil {
		return err
	}

	cookie.optOut = cookieContract.OptOut

	if cookie.optOut {
		cookie.uids = nil
	} else {
		cookie.uids = cookieContract.UIDs
	}

	if cookie.uids == nil {
		cookie.uids = make(map[string]UIDEntry)
	}

	return nil
}
