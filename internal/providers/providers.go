// Package providers defines the vendor-neutral contracts the conversation
// session is written against. Each speech vendor family implements
// SpeechProvider once; the session never branches on vendor names.
package providers

import "context"

// VADSignal is a provider-native voice activity boundary.
type VADSignal string

const (
	SignalStartSpeech VADSignal = "start_speech"
	SignalEndSpeech   VADSignal = "end_speech"
)

// EventKind discriminates speech provider events.
type EventKind int

const (
	// EventInterim carries a non-final transcript fragment.
	EventInterim EventKind = iota
	// EventFinal carries a finalized utterance; the session runs the respond
	// pipeline exactly once per final event that survives dedup.
	EventFinal
	// EventVAD carries a speech boundary signal.
	EventVAD
	// EventError carries a provider failure the session should surface
	// without dropping the connection.
	EventError
)

// Event is one item on a speech provider's event stream.
type Event struct {
	Kind   EventKind
	Text   string
	Signal VADSignal
	Err    error
}

// SpeechProvider is the unified streaming speech-to-text contract. Feed
// accepts raw audio, Flush forces finalization of whatever is pending, Stop
// aborts the current utterance and releases vendor resources. Events delivers
// interim transcripts, finals and VAD signals until Stop closes it.
type SpeechProvider interface {
	Feed(ctx context.Context, chunk []byte) error
	Flush(ctx context.Context) error
	Stop() error
	Events() <-chan Event
}

// Transcriber is the one-shot transcription contract used for complete
// utterance blobs (audio_data / final_audio commands).
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string, multilingual bool) (string, error)
}

// Message is one turn of LLM conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one streamed piece of generated text.
type Chunk struct {
	Content string
	Err     error
	Done    bool
}

// TokenStreamer yields model output incrementally. The channel closes after
// the Done chunk; cancelling ctx aborts generation mid-flight.
type TokenStreamer interface {
	Stream(ctx context.Context, messages []Message) (<-chan Chunk, error)
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Translator converts text between languages, returning the input unchanged
// whenever the vendor fails or the bounded timeout elapses.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) string
}

// ContextBuilder retrieves reference material for a patient query. An empty
// string means no relevant context; failures degrade to empty.
type ContextBuilder interface {
	BuildContext(ctx context.Context, query string) string
}

// SpeechSynthesizer streams synthesized audio for one response chunk.
type SpeechSynthesizer interface {
	SynthesizeStream(ctx context.Context, text, voice string) (<-chan []byte, error)
}
