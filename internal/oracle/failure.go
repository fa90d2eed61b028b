package oracle

import "fmt"

// Kind classifies why a classification attempt produced no usable answer.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransport Kind = "transport"
	KindStatus    Kind = "status"
	KindSchema    Kind = "schema"
	KindLimiter   Kind = "limiter"
	// KindCancelled means the caller gave up on the call. It is not an oracle fault.
	KindCancelled Kind = "cancelled"
)

type Failure struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	if f.Kind == KindStatus {
		return fmt.Sprintf("oracle %s failure (HTTP %d): %v", f.Kind, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("oracle %s failure: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
