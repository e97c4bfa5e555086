// Package errors composes domain sentinels over lower level causes, so callers
// can match either one with errors.Is and errors.As.
package errors

// With annotates cause with kind. The message stays the cause's own;
// errors.Is and errors.As see both the kind chain and the cause chain.
func With(cause, kind error) error {
	switch {
	case kind == nil:
		return cause
	case cause == nil:
		return kind
	}
	return &annotated{cause: cause, kind: kind}
}

type annotated struct {
	cause error
	kind  error
}

func (a *annotated) Error() string {
	return a.cause.Error()
}

// Unwrap lists kind ahead of cause, so errors.As prefers the kind chain.
func (a *annotated) Unwrap() []error {
	return []error{a.kind, a.cause}
}
