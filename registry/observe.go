package registry

import (
	"time"

	"github.com/isekhub/isekreg/util/metrics"
)

// Observe records the outcome of one backend operation. Use it with defer:
//
//	defer func(start time.Time) { registry.Observe("etcd", "renew", start, err) }(time.Now())
func Observe(backend, op string, start time.Time, err error) {
	metrics.RecordRegistryOperation(backend, op, StatusOf(err), time.Since(start).Seconds())
}
