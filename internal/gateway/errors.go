package gateway

import (
	"context"
	"errors"

	"github.com/mcpgateway/mcp-gateway/internal/config"
	"github.com/mcpgateway/mcp-gateway/internal/policy"
	"github.com/mcpgateway/mcp-gateway/internal/provision"
	"github.com/mcpgateway/mcp-gateway/internal/session"
)

// Error codes surfaced to the upstream client inside error envelopes.
const (
	CodeConfigInvalid     = "ConfigInvalid"
	CodeSessionClosed     = "SessionClosed"
	CodeSessionTimeout    = "SessionTimeout"
	CodeToolNotFound      = "ToolNotFound"
	CodeToolDenied        = "ToolDenied"
	CodeInvalidArgument   = "InvalidArgument"
	CodeServerBusy        = "ServerBusy"
	CodeUpstreamCancelled = "UpstreamCancelled"
	CodeProvisionFailed   = "ProvisionFailed"
	CodeInternal          = "Internal"
)

// ErrInvalidArgument marks invoke schema-validation failures.
var ErrInvalidArgument = errors.New("invalid argument")

// classify maps internal error kinds onto upstream-visible codes. Anything
// unrecognized is Internal and surfaced with a generic message.
func classify(err error) (code, message string) {
	switch {
	case errors.Is(err, context.Canceled):
		return CodeUpstreamCancelled, "request cancelled by caller"
	case errors.Is(err, session.ErrBusy):
		return CodeServerBusy, err.Error()
	case errors.Is(err, session.ErrTimeout):
		return CodeSessionTimeout, err.Error()
	case errors.Is(err, session.ErrClosed):
		return CodeSessionClosed, err.Error()
	case errors.Is(err, session.ErrCancelled):
		return CodeUpstreamCancelled, err.Error()
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument, err.Error()
	case errors.Is(err, config.ErrInvalid), errors.Is(err, policy.ErrInvalid):
		return CodeConfigInvalid, err.Error()
	case errors.Is(err, provision.ErrFailed), errors.Is(err, provision.ErrJobNotFound):
		return CodeProvisionFailed, err.Error()
	default:
		return CodeInternal, "internal gateway error"
	}
}
