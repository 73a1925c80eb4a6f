package openrtb_ext

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// BidderName refers to a configured bidder. Names are unique within an auction.
type BidderName string

const (
	// BidderGeneric is the name of the OpenRTB pass-through adapter.
	BidderGeneric BidderName = "generic"

	// BidderReservedPrebid is the key used in bidresponse.ext.warnings for auction level messages.
	BidderReservedPrebid BidderName = "prebid"
)

func (name BidderName) String() string {
	return string(name)
}

// IsBidderNameReserved returns true if the name can't be used for a configured bidder.
func IsBidderNameReserved(name string) bool {
	switch strings.ToLower(name) {
	case string(BidderReservedPrebid), "context", "data", "skadn", "gpid", "tid", "all", "general":
		return true
	}
	return false
}

// SortBidderNames orders names ascending. Used to keep auction output stable.
func SortBidderNames(names []BidderName) {
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
}

// The BidderParamValidator is used to enforce bidrequest.imp[i].ext.{anyBidder} values.
//
// This is treated differently from the other types because we rely on JSON-schemas to validate bidder params.
type BidderParamValidator interface {
	Validate(name BidderName, ext json.RawMessage) error
	// Schema returns the JSON schema used to perform validation.
	Schema(name BidderName) string
}

// NewBidderParamsValidator makes a BidderParamValidator from every {bidder}.json file in the directory.
// Bidders without a schema file are not validated.
func NewBidderParamsValidator(schemaDirectory string) (BidderParamValidator, error) {
	filesystem := http.Dir(schemaDirectory)
	entries, err := os.ReadDir(schemaDirectory)
	if err != nil {
		return nil, fmt.Errorf("Failed to read JSON schemas from directory %s. %v", schemaDirectory, err)
	}

	schemaContents := make(map[BidderName]string, len(entries))
	schemas := make(map[BidderName]*gojsonschema.Schema, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		bidderName := strings.TrimSuffix(entry.Name(), ".json")
		if IsBidderNameReserved(bidderName) {
			return nil, fmt.Errorf("File %s/%s uses a reserved bidder name.", schemaDirectory, entry.Name())
		}

		schemaLoader := gojsonschema.NewReferenceLoaderFileSystem(fmt.Sprintf("file:///%s", entry.Name()), filesystem)
		loadedSchema, err := gojsonschema.NewSchema(schemaLoader)
		if err != nil {
			return nil, fmt.Errorf("Failed to load json schema at %s/%s: %v", schemaDirectory, entry.Name(), err)
		}

		fileBytes, err := os.ReadFile(fmt.Sprintf("%s/%s", schemaDirectory, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("Failed to read file %s/%s: %v", schemaDirectory, entry.Name(), err)
		}

		schemas[BidderName(bidderName)] = loadedSchema
		schemaContents[BidderName(bidderName)] = string(fileBytes)
	}

	return &bidderParamValidator{
		schemaContents: schemaContents,
		parsedSchemas:  schemas,
	}, nil
}

type bidderParamValidator struct {
	schemaContents map[BidderName]string
	parsedSchemas  map[BidderName]*gojsonschema.Schema
}

func (validator *bidderParamValidator) Validate(name BidderName, ext json.RawMessage) error {
	schema, ok := validator.parsedSchemas[name]
	if !ok {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(ext))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errBuilder := bytes.NewBuffer(make([]byte, 0, 300))
		for i, err := range result.Errors() {
			if i > 0 {
				errBuilder.WriteString("; ")
			}
			errBuilder.WriteString(err.String())
		}
		return errors.New(errBuilder.String())
	}
	return nil
}

func (validator *bidderParamValidator) Schema(name BidderName) string {
	return validator.schemaContents[name]
}
