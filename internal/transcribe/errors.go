package transcribe

import (
	"errors"
)

// Kind identifies which stage of a transcription attempt failed.
type Kind string

const (
	KindUnsupportedFormat   Kind = "unsupported_format"
	KindConversion          Kind = "conversion_failure"
	KindTranscription       Kind = "transcription_failure"
	KindUpload              Kind = "upload_failure"
	KindJobSubmission       Kind = "job_submission_failure"
	KindRemoteTranscription Kind = "remote_transcription_failure"
	KindPollTimeout         Kind = "poll_timeout"
)

// Sentinels for errors.Is. They match any *Error of the same kind anywhere in
// the chain, so a local TranscriptionFailure wrapping an UnsupportedFormat
// satisfies both.
var (
	ErrUnsupportedFormat   = &Error{Kind: KindUnsupportedFormat}
	ErrConversion          = &Error{Kind: KindConversion}
	ErrTranscription       = &Error{Kind: KindTranscription}
	ErrUpload              = &Error{Kind: KindUpload}
	ErrJobSubmission       = &Error{Kind: KindJobSubmission}
	ErrRemoteTranscription = &Error{Kind: KindRemoteTranscription}
	ErrPollTimeout         = &Error{Kind: KindPollTimeout}
)

// Error is a pipeline failure tagged with its Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors (no message, no cause) by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// RootKind returns the kind of the innermost *Error in err's chain: the most
// specific description of what went wrong.
func RootKind(err error) Kind {
	var kind Kind
	for err != nil {
		if e, ok := err.(*Error); ok {
			kind = e.Kind
		}
		err = errors.Unwrap(err)
	}
	return kind
}
