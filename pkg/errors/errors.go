// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import "encoding/json"

// Kind classifies a failure so callers can decide on a retry policy
// without parsing message text.
type Kind int

const (
	// KindUnknown is the zero value for unclassified failures.
	KindUnknown Kind = iota

	// KindTransient marks network timeouts, 5xx responses and other
	// failures expected to clear on a later attempt.
	KindTransient

	// KindAuthorization marks 401/403-class rejections.
	KindAuthorization

	// KindMalformed marks 400-class rejections. These indicate a local
	// defect and must never be retried.
	KindMalformed

	// KindStorage marks filesystem failures during install.
	KindStorage

	// KindRevoked marks a positive revocation result. Not a failure as
	// such, but a forcing condition for immediate renewal.
	KindRevoked
)

type Error interface {
	Error() string

	Msg() string

	Err() Error

	Kind() Kind

	MarshalJSON() ([]byte, error)
}

var _ Error = (*customError)(nil)

type customError struct {
	msg  string
	kind Kind
	err  Error
}

func New(text string) Error {
	return &customError{
		msg: text,
		err: nil,
	}
}

// NewKind creates a classified error.
func NewKind(text string, kind Kind) Error {
	return &customError{
		msg:  text,
		kind: kind,
		err:  nil,
	}
}

func (ce *customError) Error() string {
	if ce == nil {
		return ""
	}
	if ce.err == nil {
		return ce.msg
	}
	return ce.msg + " : " + ce.err.Error()
}

func (ce *customError) Msg() string {
	return ce.msg
}

func (ce *customError) Err() Error {
	return ce.err
}

func (ce *customError) Kind() Kind {
	return ce.kind
}

func (ce *customError) MarshalJSON() ([]byte, error) {
	var val string
	if e := ce.Err(); e != nil {
		val = e.Msg()
	}
	return json.Marshal(&struct {
		Err string `json:"error"`
		Msg string `json:"message"`
	}{
		Err: val,
		Msg: ce.Msg(),
	})
}

func Contains(e1, e2 error) bool {
	if e1 == nil || e2 == nil {
		return e2 == e1
	}
	ce, ok := e1.(Error)
	if ok {
		if ce.Msg() == e2.Error() {
			return true
		}
		return Contains(ce.Err(), e2)
	}
	return e1.Error() == e2.Error()
}

func Wrap(wrapper, err error) error {
	if wrapper == nil || err == nil {
		return wrapper
	}
	if w, ok := wrapper.(Error); ok {
		return &customError{
			msg:  w.Msg(),
			kind: w.Kind(),
			err:  cast(err),
		}
	}
	return &customError{
		msg: wrapper.Error(),
		err: cast(err),
	}
}

func Unwrap(err error) (error, error) {
	if ce, ok := err.(Error); ok {
		if ce.Err() == nil {
			return nil, New(ce.Msg())
		}
		return New(ce.Msg()), ce.Err()
	}

	return nil, err
}

// KindOf walks the wrap chain and returns the first non-unknown kind.
func KindOf(err error) Kind {
	for err != nil {
		ce, ok := err.(Error)
		if !ok {
			return KindUnknown
		}
		if ce.Kind() != KindUnknown {
			return ce.Kind()
		}
		if ce.Err() == nil {
			return KindUnknown
		}
		err = ce.Err()
	}
	return KindUnknown
}

// KindFromStatus maps an HTTP response code onto the retry taxonomy:
// 401/403 are authorization failures, other 4xx are local defects and must
// not be retried, 5xx are transient.
func KindFromStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuthorization
	case status >= 400 && status < 500:
		return KindMalformed
	case status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

func cast(err error) Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(Error); ok {
		return e
	}
	return &customError{
		msg: err.Error(),
		err: nil,
	}
}
