package dipstick

// The library's own internal metrics, routed through the default proxy tree
// under the `dipstick` prefix so applications can decide where they go, like
// any other metric. Because of the possibly high volume of data, routing the
// prefix to an aggregating bucket is recommended.
var selfMetrics = DefaultProxy().Named("dipstick")

var (
	sendFailed = NewMarker(selfMetrics.AddName("queue"), "send_failed")

	statsdSendErr   = NewMarker(selfMetrics.AddName("statsd"), "send_failed")
	statsdOversize  = NewMarker(selfMetrics.AddName("statsd"), "entry_too_big")
	statsdSentBytes = NewCounter(selfMetrics.AddName("statsd"), "sent_bytes")

	graphiteSendErr   = NewMarker(selfMetrics.AddName("graphite"), "send_failed")
	graphiteOverflow  = NewMarker(selfMetrics.AddName("graphite"), "buf_overflow")
	graphiteSentBytes = NewCounter(selfMetrics.AddName("graphite"), "sent_bytes")

	prometheusSendErr   = NewMarker(selfMetrics.AddName("prometheus"), "send_failed")
	prometheusOverflow  = NewMarker(selfMetrics.AddName("prometheus"), "buf_overflow")
	prometheusSentBytes = NewCounter(selfMetrics.AddName("prometheus"), "sent_bytes")
)
