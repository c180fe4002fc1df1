package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// rangeHints are provider messages for a rejected getLogs range.
var rangeHints = []string{
	"query returned more than",
	"block range",
	"range too large",
	"exceed maximum block range",
	"too many results",
	"response size exceeded",
	"log response size",
}

var transientHints = []string{
	"too many requests",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"bad gateway",
	"service unavailable",
	"header not found",
}

// Classify wraps err with domain.ErrRangeTooLarge, domain.ErrSourceTimeout or
// domain.ErrTransientSource when it recognizes the failure. Anything else is
// returned unchanged and treated as permanent by callers.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrRangeTooLarge) || errors.Is(err, domain.ErrTransientSource) {
		return err
	}

	msg := strings.ToLower(err.Error())

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32005 {
		return fmt.Errorf("%w: %v", domain.ErrRangeTooLarge, err)
	}
	for _, hint := range rangeHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %v", domain.ErrRangeTooLarge, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrSourceTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrSourceTimeout, err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", domain.ErrTransientSource, err)
		}
		if httpErr.StatusCode == http.StatusRequestEntityTooLarge {
			return fmt.Errorf("%w: %v", domain.ErrRangeTooLarge, err)
		}
	}
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %v", domain.ErrTransientSource, err)
		}
	}
	return err
}
