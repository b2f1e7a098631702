package recorder

import "meetrec/log"

// LogObserver writes lifecycle events to the diagnostics log. Data events
// are too frequent to be worth logging.
type LogObserver struct{}

func (LogObserver) Notify(ev Event) {
	switch ev.Type {
	case EventStarted:
		log.RecordingStarted(ev.SessionID, ev.MIMEType)
	case EventPaused:
		log.Infof("recording paused session=%s", ev.SessionID)
	case EventResumed:
		log.Infof("recording resumed session=%s", ev.SessionID)
	case EventStopped:
		reason := string(ReasonUser)
		if ev.Result != nil {
			reason = string(ev.Result.Reason)
		}
		log.RecordingStopped(log.RecordingMetrics{
			Session:   ev.SessionID,
			DurationS: ev.Stats.DurationSeconds(),
			SizeKB:    float64(ev.Stats.BlobSizeBytes) / 1024,
			Chunks:    ev.Stats.ChunkCount,
			MIMEType:  ev.MIMEType,
			Reason:    reason,
		})
	case EventError:
		log.Errorf("recording error session=%s: %v", ev.SessionID, ev.Err)
	}
}
