// Package param holds the small enumerated set of runtime parameters the
// engine reads at NI-init time. It is a plain struct with package defaults
// overridable by environment variable, matching client.Config's plain-struct
// shape rather than a parsing framework; configuration parsing proper is
// kept out of scope as an external collaborator.
package param

import (
	"os"
	"strconv"
)

// Params is the enumerated parameter set. Additions require a struct field
// here and nowhere else, matching spec §6's "additions require a header
// change" note.
type Params struct {
	WCCount         int // PTL_WC_COUNT: max completions drained per poll batch
	SRQRepostSize   int // PTL_SRQ_REPOST_SIZE: repost batching watermark
	RDMATimeoutMS   int // PTL_RDMA_TIMEOUT: connect/resolve step timeout
	MaxInline       int // PTL_MAX_INLINE: inline-send size threshold
	ConnectRetries  int // PTL_CONNECT_RETRIES: retry budget of the single dial loop
	LogLevel        string
}

// Defaults returns the baseline parameter set, overridden by any of the
// corresponding PTL_* environment variables that are set.
func Defaults() Params {
	p := Params{
		WCCount:        16,
		SRQRepostSize:  64,
		RDMATimeoutMS:  5000,
		MaxInline:      256,
		ConnectRetries: 3,
		LogLevel:       "warn",
	}
	if v := envInt("PTL_WC_COUNT"); v != 0 {
		p.WCCount = v
	}
	if v := envInt("PTL_SRQ_REPOST_SIZE"); v != 0 {
		p.SRQRepostSize = v
	}
	if v := envInt("PTL_RDMA_TIMEOUT"); v != 0 {
		p.RDMATimeoutMS = v
	}
	if v := envInt("PTL_MAX_INLINE"); v != 0 {
		p.MaxInline = v
	}
	if v := envInt("PTL_CONNECT_RETRIES"); v != 0 {
		p.ConnectRetries = v
	}
	if v := os.Getenv("PTL_LOG_LEVEL"); v != "" {
		p.LogLevel = v
	}
	return p
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
