package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Clients only send hello.
	maxFrameBytes = 16 << 10 // 16 KiB

	// Max bytes per frame accepted by WSTransport; pushed messages carry bodies.
	maxClientFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
