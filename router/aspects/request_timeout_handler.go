package aspects

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/prebid/prebid-exchange/config"
)

// QueuedRequestTimeout rejects requests which spent longer in an upstream queue than the queue allowed.
// Both header values are seconds. Requests without the headers pass through untouched.
func QueuedRequestTimeout(f httprouter.Handle, reqTimeoutHeaders config.RequestTimeoutHeaders) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		reqTimeInQueue := r.Header.Get(reqTimeoutHeaders.RequestTimeInQueue)
		reqTimeout := r.Header.Get(reqTimeoutHeaders.RequestTimeoutInQueue)

		if reqTimeInQueue == "" || reqTimeout == "" {
			f(w, r, params)
			return
		}

		reqTimeFloat, reqTimeFloatErr := strconv.ParseFloat(reqTimeInQueue, 64)
		reqTimeoutFloat, reqTimeoutFloatErr := strconv.ParseFloat(reqTimeout, 64)

		if reqTimeFloatErr != nil || reqTimeoutFloatErr != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("Request timeout headers are incorrect (wrong format)"))
			return
		}

		if reqTimeFloat >= reqTimeoutFloat {
			w.WriteHeader(http.StatusRequestTimeout)
			w.Write([]byte("Queued request processing time exceeded maximum"))
			return
		}

		f(w, r, params)
	}
}
