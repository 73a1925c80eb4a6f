package exchange

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/stretchr/testify/assert"

	"github.com/prebid/prebid-exchange/errortypes"
	"github.com/prebid/prebid-exchange/openrtb_ext"
	"github.com/prebid/prebid-exchange/usersync"
)

// mockValidator fails any params containing "invalid".
type mockValidator struct {
	validated map[openrtb_ext.BidderName]int
}

func (v *mockValidator) Validate(name openrtb_ext.BidderName, ext json.RawMessage) error {
	if v.validated != nil {
		v.validated[name]++
	}
	if strings.Contains(string(ext), "invalid") {
		return errors.New("params are invalid")
	}
	return nil
}

func (v *mockValidator) Schema(name openrtb_ext.BidderName) string {
	return ""
}

func TestSplitImps(t *testing.T) {
	imps := []openrtb2.Imp{
		{
			ID:  "imp1",
			Ext: json.RawMessage(`{"appnexus":{"placementId":1},"rubicon":{"zoneId":2},"gpid":"/1/home"}`),
		},
		{
			ID:  "imp2",
			Ext: json.RawMessage(`{"prebid":{"bidder":{"appnexus":{"placementId":3}}},"rubicon":{"ignored":true}}`),
		},
	}

	split, err := splitImps(imps)

	assert.NoError(t, err)
	assert.Len(t, split, 2)
	if assert.Len(t, split["appnexus"], 2) {
		assert.Equal(t, "imp1", split["appnexus"][0].ID)
		assert.JSONEq(t, `{"bidder":{"placementId":1}}`, string(split["appnexus"][0].Ext))
		assert.Equal(t, "imp2", split["appnexus"][1].ID)
		assert.JSONEq(t, `{"bidder":{"placementId":3}}`, string(split["appnexus"][1].Ext))
	}
	if assert.Len(t, split["rubicon"], 1) {
		assert.JSONEq(t, `{"bidder":{"zoneId":2}}`, string(split["rubicon"][0].Ext))
	}
	assert.JSONEq(t, `{"appnexus":{"placementId":1},"rubicon":{"zoneId":2},"gpid":"/1/home"}`, string(imps[0].Ext), "the input must not change")
}

func TestSplitImpsErrors(t *testing.T) {
	testCases := []struct {
		description string
		imps        []openrtb2.Imp
	}{
		{
			description: "no imps",
			imps:        nil,
		},
		{
			description: "missing ext",
			imps:        []openrtb2.Imp{{ID: "imp1"}},
		},
		{
			description: "malformed ext",
			imps:        []openrtb2.Imp{{ID: "imp1", Ext: json.RawMessage(`{"appnexus":`)}},
		},
		{
			description: "no bidder",
			imps:        []openrtb2.Imp{{ID: "imp1", Ext: json.RawMessage(`{"prebid":{},"gpid":"x"}`)}},
		},
		{
			description: "malformed prebid",
			imps:        []openrtb2.Imp{{ID: "imp1", Ext: json.RawMessage(`{"prebid":{"bidder":[]}}`)}},
		},
	}

	for _, test := range testCases {
		_, err := splitImps(test.imps)
		assert.IsType(t, &errortypes.BadInput{}, err, test.description)
	}
}

func TestCleanOpenRTBRequestsBuyerUIDs(t *testing.T) {
	orig := &openrtb2.BidRequest{
		ID: "req",
		Imp: []openrtb2.Imp{
			{ID: "imp1", Ext: json.RawMessage(`{"appnexus":{},"rubicon":{},"pubmatic":{}}`)},
		},
		User: &openrtb2.User{
			ID:  "user",
			Ext: json.RawMessage(`{"consent":"abc","prebid":{"buyeruids":{"appnexus":"explicit-an"}}}`),
		},
	}
	ids := usersync.UIDMap{"appnexus": "cookie-an", "rubicon": "cookie-rp"}

	requests, err := cleanOpenRTBRequests(orig, ids)

	assert.NoError(t, err)
	assert.Len(t, requests, 3)
	assert.Equal(t, "explicit-an", requests["appnexus"].User.BuyerUID)
	assert.Equal(t, "cookie-rp", requests["rubicon"].User.BuyerUID)
	assert.Equal(t, "", requests["pubmatic"].User.BuyerUID)
	for bidder, req := range requests {
		assert.JSONEq(t, `{"consent":"abc"}`, string(req.User.Ext), "bidder %s must not see other buyer uids", bidder)
		assert.Equal(t, "user", req.User.ID)
	}
	assert.Equal(t, "", orig.User.BuyerUID)
	assert.Contains(t, string(orig.User.Ext), "buyeruids", "the input must not change")
}

func TestCleanOpenRTBRequestsNoUser(t *testing.T) {
	orig := &openrtb2.BidRequest{
		Imp: []openrtb2.Imp{{ID: "imp1", Ext: json.RawMessage(`{"appnexus":{},"rubicon":{}}`)}},
	}

	requests, err := cleanOpenRTBRequests(orig, usersync.UIDMap{"rubicon": "cookie-rp"})

	assert.NoError(t, err)
	assert.Nil(t, requests["appnexus"].User)
	if assert.NotNil(t, requests["rubicon"].User) {
		assert.Equal(t, "cookie-rp", requests["rubicon"].User.BuyerUID)
	}
}

func TestExtractBuyerUIDs(t *testing.T) {
	testCases := []struct {
		description  string
		ext          string
		expectedUIDs map[string]string
		expectedExt  string
		expectErr    bool
	}{
		{
			description: "no buyeruids",
			ext:         `{"consent":"abc"}`,
			expectedExt: `{"consent":"abc"}`,
		},
		{
			description:  "only buyeruids",
			ext:          `{"prebid":{"buyeruids":{"a":"1"}}}`,
			expectedUIDs: map[string]string{"a": "1"},
		},
		{
			description:  "prebid keeps other fields",
			ext:          `{"prebid":{"buyeruids":{"a":"1"},"other":true}}`,
			expectedUIDs: map[string]string{"a": "1"},
			expectedExt:  `{"prebid":{"other":true}}`,
		},
		{
			description: "not an object",
			ext:         `{"prebid":{"buyeruids":"a"}}`,
			expectErr:   true,
		},
		{
			description: "wrong value type",
			ext:         `{"prebid":{"buyeruids":{"a":1}}}`,
			expectErr:   true,
		},
	}

	for _, test := range testCases {
		uids, user, err := extractBuyerUIDs(&openrtb2.User{Ext: json.RawMessage(test.ext)})
		if test.expectErr {
			assert.IsType(t, &errortypes.BadInput{}, err, test.description)
			continue
		}
		assert.NoError(t, err, test.description)
		assert.Equal(t, test.expectedUIDs, uids, test.description)
		if test.expectedExt == "" {
			assert.Empty(t, user.Ext, test.description)
		} else {
			assert.JSONEq(t, test.expectedExt, string(user.Ext), test.description)
		}
	}

	uids, user, err := extractBuyerUIDs(nil)
	assert.NoError(t, err)
	assert.Nil(t, uids)
	assert.Nil(t, user)
}

func TestCopyWithBuyerUID(t *testing.T) {
	assert.Equal(t, &openrtb2.User{BuyerUID: "new"}, copyWithBuyerUID(nil, "new", false))

	user := &openrtb2.User{ID: "u"}
	copied := copyWithBuyerUID(user, "new", false)
	assert.Equal(t, "new", copied.BuyerUID)
	assert.Equal(t, "", user.BuyerUID)

	existing := &openrtb2.User{BuyerUID: "old"}
	assert.Same(t, existing, copyWithBuyerUID(existing, "new", false))

	overridden := copyWithBuyerUID(existing, "new", true)
	assert.Equal(t, "new", overridden.BuyerUID)
	assert.Equal(t, "old", existing.BuyerUID)
}

func TestCleanOpenRTBRequestsBuyerUIDOverride(t *testing.T) {
	orig := &openrtb2.BidRequest{
		ID: "req",
		Imp: []openrtb2.Imp{
			{ID: "imp1", Ext: json.RawMessage(`{"appnexus":{},"rubicon":{},"pubmatic":{}}`)},
		},
		User: &openrtb2.User{
			BuyerUID: "request-level",
			Ext:      json.RawMessage(`{"prebid":{"buyeruids":{"appnexus":"explicit-an"}}}`),
		},
	}

	requests, err := cleanOpenRTBRequests(orig, usersync.UIDMap{"rubicon": "cookie-rp"})

	assert.NoError(t, err)
	assert.Equal(t, "explicit-an", requests["appnexus"].User.BuyerUID)
	assert.Equal(t, "request-level", requests["rubicon"].User.BuyerUID)
	assert.Equal(t, "request-level", requests["pubmatic"].User.BuyerUID)
	assert.Equal(t, "request-level", orig.User.BuyerUID)
}

func TestValidateBidderParams(t *testing.T) {
	validator := &mockValidator{validated: map[openrtb_ext.BidderName]int{}}
	e := &exchange{
		paramsValidator: validator,
		adapterCodes:    map[openrtb_ext.BidderName]openrtb_ext.BidderName{"myalias": "generic"},
	}
	request := &openrtb2.BidRequest{
		Imp: []openrtb2.Imp{
			{ID: "good", Ext: json.RawMessage(`{"bidder":{"id":1}}`)},
			{ID: "bad", Ext: json.RawMessage(`{"bidder":{"id":"invalid"}}`)},
		},
	}

	valid, errs := e.validateBidderParams(BidderRequest{BidRequest: request, BidderName: "myalias"})

	if assert.NotNil(t, valid) {
		assert.Len(t, valid.Imp, 1)
		assert.Equal(t, "good", valid.Imp[0].ID)
	}
	assert.Len(t, request.Imp, 2, "the input must not change")
	if assert.Len(t, errs, 1) {
		assert.True(t, errortypes.IsWarning(errs[0]))
		assert.Equal(t, errortypes.BidderParamsWarningCode, errortypes.ReadCode(errs[0]))
		assert.Contains(t, errs[0].Error(), "request.imp[id=bad].ext.myalias failed validation")
	}
	assert.Equal(t, 2, validator.validated["generic"], "params are checked against the adapter's schema")
}

func TestValidateBidderParamsAllInvalid(t *testing.T) {
	e := &exchange{paramsValidator: &mockValidator{}}
	request := &openrtb2.BidRequest{
		Imp: []openrtb2.Imp{
			{ID: "bad1", Ext: json.RawMessage(`{"bidder":{"id":"invalid"}}`)},
			{ID: "bad2", Ext: json.RawMessage(`{"bidder":{"id":"invalid"}}`)},
		},
	}

	valid, errs := e.validateBidderParams(BidderRequest{BidRequest: request, BidderName: "a"})

	assert.Nil(t, valid)
	if assert.Len(t, errs, 2) {
		assert.IsType(t, &errortypes.BadInput{}, errs[0])
		assert.IsType(t, &errortypes.BadInput{}, errs[1])
	}
}

func TestValidateBidderParamsWithoutValidator(t *testing.T) {
	e := &exchange{}
	request := &openrtb2.BidRequest{ID: "req"}
	valid, errs := e.validateBidderParams(BidderRequest{BidRequest: request, BidderName: "a"})
	assert.Same(t, request, valid)
	assert.Empty(t, errs)
}
