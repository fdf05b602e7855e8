// Package voicemetrics exports Prometheus instrumentation for the error
// taxonomy and transport health signals a voice connection produces.
// Grounded on the promauto registration pattern used throughout the
// examples pack's SIP dialog metrics collector.
package voicemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicecore"

// CryptoFailuresTotal counts RTP payload seal/open failures, labeled by the
// encryption mode in use and the direction the failure occurred in
// ("seal" or "open"). A nonzero open rate against a single mode usually
// means the secret key or nonce counter has desynced from the voice
// server. voice/udp.Connection.ReadPacket increments it with direction
// "open" before wrapping the error through voiceerr; no "seal" failure is
// recorded, since sealing reports no error.
var CryptoFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "rtp",
	Name:      "crypto_failures_total",
	Help:      "Total number of RTP payload seal/open failures, by mode and direction.",
}, []string{"mode", "direction"})

// TransportRTTSeconds reports the most recently measured UDP keep-alive
// round-trip time. It's a gauge rather than a histogram since only the
// latest sample matters for a Supervisor deciding whether a transport
// looks healthy.
var TransportRTTSeconds = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "udp",
	Name:      "transport_rtt_seconds",
	Help:      "Most recently measured UDP keep-alive round-trip time, in seconds.",
})

// ReconnectsTotal counts every time a Session has to tear down and
// re-establish its gateway/transport pair, labeled by cause ("gateway",
// "transport") and outcome ("resumed", "restarted", "exhausted").
var ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "session",
	Name:      "reconnects_total",
	Help:      "Total number of voice connection reconnects, by cause and outcome.",
}, []string{"cause", "outcome"})

// ErrorsTotal counts every error voiceerr wraps and returns, labeled by its
// taxonomy kind. This is the single counter every voiceerr-wrapped error
// increments before being returned to the caller, per the propagation
// rule every per-packet and session-level error follows.
var ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "errors",
	Name:      "total",
	Help:      "Total number of voicecore errors, by taxonomy kind.",
}, []string{"kind"})
