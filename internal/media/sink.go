package media

// VideoSink is the rendering surface a session binds its inbound stream to.
// Exactly one sink per session; Clear must leave the sink with no source.
type VideoSink interface {
	Bind(streamID string)
	Clear()
}

// NullSink is the sink used by headless processes that consume signaling and
// chat but do not render media.
type NullSink struct{}

func (NullSink) Bind(string) {}
func (NullSink) Clear()      {}
