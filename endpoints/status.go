package endpoints

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// NewStatusEndpoint returns a handler which writes the given response when the app is ready to serve requests.
// An empty response yields a 204 with no content.
func NewStatusEndpoint(response string) httprouter.Handle {
	if response == "" {
		return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			w.WriteHeader(http.StatusNoContent)
		}
	}

	responseBytes := []byte(response)
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Write(responseBytes)
	}
}
