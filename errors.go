package streaming

import (
	"github.com/samber/oops"
)

// Error kind codes. Every error returned across a stream or destination
// boundary for one of these situations is built with newStreamError or
// newDestError so a
// bare err.Error() carries the stream/destination context that produced it.
const (
	ErrCodeMisroutedPacket    = "misrouted_packet"
	ErrCodeSignatureFailure   = "signature_failure"
	ErrCodeUnsupportedSigner  = "unsupported_signer"
	ErrCodeDuplicatePacket    = "duplicate_packet"
	ErrCodeMissingLeaseset    = "missing_leaseset"
	ErrCodeNoOutboundTunnel   = "no_outbound_tunnel"
	ErrCodeExpiredLease       = "expired_lease"
	ErrCodeRetransmitExhaust = "retransmit_exhausted"
	ErrCodeBackpressureFull  = "backpressure_full"
	ErrCodeUserCancellation  = "user_cancellation"
)

// newStreamError builds a structured error for one of the §7 error kinds,
// tagging it with the stream and destination identifiers so the message is
// self-describing in a log line without extra fields at the call site.
func newStreamError(code string, recvStreamID, sendStreamID uint32, msg string, args ...any) error {
	return oops.
		Code(code).
		In("streaming").
		With("recvStreamID", recvStreamID).
		With("sendStreamID", sendStreamID).
		Errorf(msg, args...)
}

// newDestError builds a structured error for a destination-scoped failure
// (no single stream is responsible, e.g. an unroutable packet).
func newDestError(code string, destHash string, msg string, args ...any) error {
	return oops.
		Code(code).
		In("streaming").
		With("destHash", destHash).
		Errorf(msg, args...)
}

// errCode extracts the oops error code from err, or "" if err was not built
// by newStreamError/newDestError.
func errCode(err error) string {
	if oerr, ok := oops.AsOops(err); ok {
		if code, ok := oerr.Code().(string); ok {
			return code
		}
	}
	return ""
}
