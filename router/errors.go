package router

import "errors"

// Error taxonomy (spec §7): validation errors surface as 4xx and are never
// retried; resource-limit errors surface as 429/503; unavailable/deadline
// errors surface as 500/408 after the Exception Monitor has been notified.
var (
	errInvalidFormat = errors.New("router: request format is invalid")
	errUnknownURL     = errors.New("router: unknown inference URL")
	errDuplicateReqID = errors.New("router: duplicate request id")
	errNotReady       = errors.New("router: cluster not ready")
	errTooManyReqs    = errors.New("router: too many requests")
)

// userMessage is the plain one-line, "\r\n"-terminated failure text the
// spec mandates be shown to the external client (spec §7).
func userMessage(msg string) string {
	return msg + "\r\n"
}

const (
	msgConnPFailed      = "Connect to p instance failed"
	msgSendPFailed      = "Send message to p instance failed"
	msgReadPFailed      = "Read message from p instance failed"
	msgScheduleTimeout  = "Request schedule timeout"
	msgFirstTokenTimeout = "Request first token timeout"
	msgInferTimeout     = "Request inference timeout"
	msgTokenizerTimeout = "Request tokenizer timeout"
	msgTooManyRequests  = "Too many requests"
	msgNotReady         = "MindIE-MS Coordinator is not ready"
	msgInvalidFormat    = "Request format is invalid"
	msgDuplicateReqID   = "Duplicate request id"
)
