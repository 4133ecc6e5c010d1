package discord

import (
	"errors"
	"net/http"
	"strconv"

	"smeargle/pkg/smeargle"

	"github.com/bwmarrin/discordgo"
)

// mapDiscordOutboundError wraps REST failures in *smeargle.OutboundError.
func mapDiscordOutboundError(
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

	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		outboundErr.Kind = smeargle.OutboundErrorKindRateLimited
		outboundErr.Code = http.StatusTooManyRequests
		if rateErr.RateLimit != nil && rateErr.TooManyRequests != nil {
			outboundErr.RetryAfter = rateErr.RetryAfter
		}
		return outboundErr
	}

	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return outboundErr
	}
	if restErr.Message != nil && restErr.Message.Code != 0 {
		outboundErr.Type = strconv.Itoa(restErr.Message.Code)
	}
	if restErr.Response == nil {
		return outboundErr
	}
	outboundErr.Code = restErr.Response.StatusCode
	outboundErr.Kind = classifyDiscordStatus(restErr.Response.StatusCode)

	return outboundErr
}

func classifyDiscordStatus(status int) smeargle.OutboundErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return smeargle.OutboundErrorKindRateLimited
	case status >= 500:
		return smeargle.OutboundErrorKindTemporary
	case status >= 400:
		return smeargle.OutboundErrorKindPermanent
	default:
		return smeargle.OutboundErrorKindUnknown
	}
}
