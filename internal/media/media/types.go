package media

// ChannelStats is a point-in-time snapshot of one relayed channel's RTP
// counters, surfaced through Health/metrics.
type ChannelStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	FramesDropped   uint64
}
