package ari

import "strings"

// Event types delivered by the stasis WebSocket that the engine consumes.
const (
	EventStasisStart            = "StasisStart"
	EventStasisEnd              = "StasisEnd"
	EventChannelTalkingStarted  = "ChannelTalkingStarted"
	EventChannelTalkingFinished = "ChannelTalkingFinished"
	EventPlaybackFinished       = "PlaybackFinished"
	EventPlaybackStopped        = "PlaybackStopped"
	EventPlaybackFailed         = "PlaybackFailed"
	EventRecordingFinished      = "RecordingFinished"
	EventRecordingFailed        = "RecordingFailed"
	EventChannelDestroyed       = "ChannelDestroyed"
)

// Event is the flattened stasis event envelope. Only the fields present for
// the given Type are populated; the rest stay zero.
type Event struct {
	Type        string         `json:"type"`
	Application string         `json:"application"`
	Timestamp   string         `json:"timestamp"`
	Args        []string       `json:"args,omitempty"`
	Channel     *Channel       `json:"channel,omitempty"`
	Playback    *Playback      `json:"playback,omitempty"`
	Recording   *LiveRecording `json:"recording,omitempty"`
}

// ChannelID returns the id of the channel the event concerns, or "".
func (e *Event) ChannelID() string {
	if e.Channel == nil {
		return ""
	}
	return e.Channel.ID
}

// AppArgs parses the stasis application arguments into a key-value map.
// Arguments follow the "key=value" convention used when creating snoop and
// external media channels; a bare argument maps to the empty string.
func (e *Event) AppArgs() map[string]string {
	if len(e.Args) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, arg := range e.Args {
		for _, part := range strings.Split(arg, ",") {
			if part == "" {
				continue
			}
			if k, v, ok := strings.Cut(part, "="); ok {
				out[k] = v
			} else {
				out[part] = ""
			}
		}
	}
	return out
}

// LinkedID returns the call correlation id carried in the application
// arguments, or "" when the event is for the primary caller leg.
func (e *Event) LinkedID() string {
	return e.AppArgs()["linkedId"]
}
