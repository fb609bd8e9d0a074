// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// ServiceHTTPClient is shared by the clients that call sibling services.
var ServiceHTTPClient = &http.Client{
	Timeout: 10 * time.Second,
}
