package enrichment

import "errors"

// ErrNoGateway is returned by processing operations when the Service was
// built without an analysis gateway.
var ErrNoGateway = errors.New("enrichment: service has no analysis gateway")
