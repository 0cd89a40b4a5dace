package protocol

import "time"

// AudioFrame represents PCM audio data streamed from the meeting audio tap.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// LLMRequest asks the completion service for a reply to one transcript.
type LLMRequest struct {
	SessionID   string    `json:"session_id"`
	Prompt      string    `json:"prompt"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LLMResponse carries the completed reply, or the reason there is none.
type LLMResponse struct {
	SessionID        string    `json:"session_id"`
	Content          string    `json:"content"`
	Error            string    `json:"error,omitempty"`
	TraceID          string    `json:"trace_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// TTSRequest asks the synthesizer to speak one utterance.
type TTSRequest struct {
	SessionID   string  `json:"session_id"`
	UtteranceID string  `json:"utterance_id"`
	Text        string  `json:"text"`
	Voice       string  `json:"voice,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	Pitch       float64 `json:"pitch,omitempty"`
	Target      string  `json:"target,omitempty"`
}

// AudioChunk carries synthesized PCM towards the playback target.
type AudioChunk struct {
	SessionID   string `json:"session_id"`
	UtteranceID string `json:"utterance_id"`
	Target      string `json:"target,omitempty"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	Sequence    int    `json:"sequence"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
}

// TTSStatus reports that an utterance has finished, successfully or not.
type TTSStatus struct {
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id"`
	Target      string    `json:"target,omitempty"`
	Completed   bool      `json:"completed"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CaptureControl toggles the audio tap feeding the recognizer.
type CaptureControl struct {
	SessionID  string    `json:"session_id"`
	Active     bool      `json:"active"`
	Continuous bool      `json:"continuous"`
	Timestamp  time.Time `json:"timestamp"`
}

// CaptureFlushed acknowledges a deactivating CaptureControl once every final
// transcript it triggered has been published.
type CaptureFlushed struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnState is broadcast whenever the voice turn controller changes state.
type TurnState struct {
	TurnID    string    `json:"turn_id,omitempty"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MeetingReady is the one-shot notification that the bot was admitted.
type MeetingReady struct {
	MeetingNumber string    `json:"meeting_number"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectCaptureControl    = "stt.capture.control"
	SubjectCaptureFlushed    = "stt.capture.flushed"
	SubjectSTTAll            = "stt.>"

	SubjectLLMComplete = "llm.complete"

	SubjectTTSRequest = "tts.request"
	SubjectTTSAudio   = "tts.audio"
	SubjectTTSDone    = "tts.done"

	SubjectTurnState    = "turn.state"
	SubjectMeetingReady = "meeting.session.ready"
)
