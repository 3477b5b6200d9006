package metrics

var (
	FragmentsReceived = Collector.Counter("chatrelay_fragments_received_total", "Fragments delivered by the page observer", "")
	FragmentsDropped  = Collector.Counter("chatrelay_fragments_dropped_total", "Fragments dropped because the queue stayed full", "")
	MessagesParsed    = Collector.Counter("chatrelay_messages_parsed_total", "Fragments that parsed into a chat message", "")
	Mentions          = Collector.Counter("chatrelay_mentions_total", "Parsed messages that mention the bot", "")
	TurnsOK           = Collector.Counter("chatrelay_turns_total", "Relay turns answered in the channel", `result="ok"`)
	ChunksSent        = Collector.Counter("chatrelay_chunks_sent_total", "Reply chunks submitted to the channel", "")
	QueueDepth        = Collector.Gauge("chatrelay_queue_depth", "Fragments waiting for the relay loop", "")

	BackendLatency = Collector.Histogram("chatrelay_backend_latency_seconds", "Relay to backend round trip in seconds", "",
		[]float64{0.25, 0.5, 1, 2, 5, 10, 30, 60})

	AskRequests        = Collector.Counter("chatrelay_server_ask_requests_total", "Requests served by the backend /ask endpoint", "")
	GenerationFailures = Collector.Counter("chatrelay_server_generation_failures_total", "Generations that failed or came back empty", "")
	GenerationLatency  = Collector.Histogram("chatrelay_server_generation_latency_seconds", "Generator call latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
)

// TurnFailed counts a relay turn that ended without a reply, by reason.
func TurnFailed(reason string) *Counter {
	return Collector.Counter("chatrelay_turns_total", "Relay turns answered in the channel", `result="`+reason+`"`)
}
