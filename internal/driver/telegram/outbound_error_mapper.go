package telegram

import (
	"errors"
	"strings"

	"smeargle/pkg/smeargle"

	"github.com/gotd/td/tgerr"
)

// mapTelegramOutboundError wraps RPC failures in *smeargle.OutboundError.
func mapTelegramOutboundError(
	operation smeargle.OutboundOperation,
	sink smeargle.SinkRef,
	err error,
) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, smeargle.ErrInvalidOutboundRequest) || errors.Is(err, smeargle.ErrOutboundUnsupported) {
		return err
	}

	outboundErr := &smeargle.OutboundError{
		Operation: operation,
		Kind:      smeargle.OutboundErrorKindUnknown,
		Platform:  sink.Platform,
		SinkID:    sink.ID,
		Cause:     err,
	}

	if retryAfter, ok := tgerr.AsFloodWait(err); ok {
		outboundErr.Kind = smeargle.OutboundErrorKindRateLimited
		outboundErr.RetryAfter = retryAfter
	}

	rpcErr, ok := tgerr.As(err)
	if !ok {
		return outboundErr
	}
	outboundErr.Code = rpcErr.Code
	outboundErr.Type = rpcErr.Type
	if outboundErr.Kind == smeargle.OutboundErrorKindUnknown {
		outboundErr.Kind = classifyTelegramRPCError(rpcErr)
	}

	return outboundErr
}

func classifyTelegramRPCError(rpcErr *tgerr.Error) smeargle.OutboundErrorKind {
	errorType := strings.ToUpper(strings.TrimSpace(rpcErr.Type))
	switch {
	case rpcErr.Code == 420 || rpcErr.Code == 429 || strings.Contains(errorType, "FLOOD"):
		return smeargle.OutboundErrorKindRateLimited
	case rpcErr.Code == 303 || rpcErr.Code >= 500:
		return smeargle.OutboundErrorKindTemporary
	case rpcErr.Code >= 400 && rpcErr.Code < 500:
		return smeargle.OutboundErrorKindPermanent
	default:
		return smeargle.OutboundErrorKindUnknown
	}
}
