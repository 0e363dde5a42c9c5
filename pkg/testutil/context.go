package testutil

import (
	"context"
	"time"

	"linkage/pkg/requestcontext"
)

// ClockContext returns contexts whose request time advances by step on
// every call, starting at base+step. Creation order then follows call order
// without sleeping.
func ClockContext(base time.Time, step time.Duration) func() context.Context {
	n := 0
	return func() context.Context {
		n++
		return requestcontext.WithTime(context.Background(), base.Add(time.Duration(n)*step))
	}
}
