// Package httpremote speaks the JSON-over-HTTP sync protocol: a client
// implementing remote.Store and remote.Fetcher, and a reference server.
//
//	POST /v1/operations              submit one operation
//	GET  /v1/records/{type}/{id}     fetch the server copy
//	GET  /healthz                    liveness, unauthenticated
//
// Status codes map onto the remote error classes: 200 accepted, 409
// conflict (body carries the server record), 401/403 unauthorized, 429
// rate limited (Retry-After in seconds), 5xx transient, any other 4xx
// permanent.
package httpremote

import (
	"github.com/roach88/fieldsync/internal/model"
)

const (
	pathOperations = "/v1/operations"
	pathRecords    = "/v1/records"
	pathHealth     = "/healthz"
)

// errorBody is the JSON body of every non-2xx response.
type errorBody struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Record  *model.Record `json:"record,omitempty"`
}
