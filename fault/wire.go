package fault

import "github.com/cockroachdb/errors"

// Wire is the error shape carried inside a response envelope
type Wire struct {
	Kind     Kind   `json:"kind" msgpack:"kind"`
	Code     Code   `json:"code" msgpack:"code"`
	Detail   string `json:"detail,omitempty" msgpack:"detail,omitempty"`
	Field    string `json:"field,omitempty" msgpack:"field,omitempty"`
	Expected string `json:"expected,omitempty" msgpack:"expected,omitempty"`
	Actual   string `json:"actual,omitempty" msgpack:"actual,omitempty"`
}

// ToWire flattens err for transport. Errors that are not fault errors are
// reported as worker exceptions carrying their message.
func ToWire(err error) *Wire {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		return &Wire{
			Kind:     fe.Kind,
			Code:     fe.Code,
			Detail:   fe.Detail,
			Field:    fe.Field,
			Expected: fe.Expected,
			Actual:   fe.Actual,
		}
	}
	return &Wire{Kind: KindWorkerException, Code: CodeException, Detail: err.Error()}
}

// FromWire rebuilds the error on the receiving side
func FromWire(w *Wire) error {
	if w == nil {
		return nil
	}
	kind := w.Kind
	if kind == "" {
		kind = kindFor(w.Code)
	}
	return errors.WithStack(&Error{
		Kind:     kind,
		Code:     w.Code,
		Detail:   w.Detail,
		Field:    w.Field,
		Expected: w.Expected,
		Actual:   w.Actual,
	})
}
