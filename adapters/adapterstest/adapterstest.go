// Package adapterstest holds helpers shared by the bidder adapter tests.
package adapterstest

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// DiffJSON compares two JSON documents and fails the test with a readable diff if they differ.
func DiffJSON(t *testing.T, description string, actual []byte, expected []byte) {
	t.Helper()

	diff, err := gojsondiff.New().Compare(actual, expected)
	if err != nil {
		t.Fatalf("%s json did not match expected.\n\nActual: %s\n\nExpected: %s\n\nError: %v", description, string(actual), string(expected), err)
	}

	if diff.Modified() {
		var left interface{}
		if err := json.Unmarshal(actual, &left); err != nil {
			t.Fatalf("%s json did not match, but unmarshalling failed. %v", description, err)
		}
		printer := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{
			ShowArrayIndex: true,
		})
		output, err := printer.Format(diff)
		if err != nil {
			t.Errorf("%s did not match, but diff formatting failed. %v", description, err)
		} else {
			t.Errorf("%s json did not match expected.\n\n%s", description, output)
		}
	}
}

// DiffRequestBody compares a request body the adapter produced with the expected JSON.
func DiffRequestBody(t *testing.T, index int, actual []byte, expected string) {
	t.Helper()
	DiffJSON(t, fmt.Sprintf("request %d body", index), actual, []byte(expected))
}
