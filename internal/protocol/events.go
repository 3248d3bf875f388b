package protocol

import (
	"encoding/base64"

	"github.com/bytedance/sonic"
)

// Metrics captures per-turn latency measurements attached to the closing
// response event and handed to the turn recorder.
type Metrics struct {
	SttMS        int64 `json:"stt_ms"`
	TranslateMS  int64 `json:"translate_ms"`
	FirstChunkMS int64 `json:"first_chunk_ms"`
	TotalMS      int64 `json:"total_ms"`
}

func marshal(v any) []byte {
	data, err := sonic.Marshal(v)
	if err != nil {
		// Outbound events are built from plain structs; a marshal failure is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return data
}

func ConnectionEstablished(sessionID string) []byte {
	return marshal(map[string]any{
		"type":       EventConnectionEstablished,
		"session_id": sessionID,
	})
}

func VADSignal(signal string) []byte {
	return marshal(map[string]any{
		"type":        EventVADSignal,
		"signal_type": signal,
	})
}

func StreamingTranscript(transcript string) []byte {
	return marshal(map[string]any{
		"type":       EventStreamingTranscript,
		"transcript": transcript,
	})
}

func FinalTranscript(transcript string, seq uint64) []byte {
	return marshal(map[string]any{
		"type":          EventFinalTranscript,
		"transcript":    transcript,
		"is_final":      true,
		"utterance_seq": seq,
	})
}

func ProcessingState(processing bool) []byte {
	return marshal(map[string]any{
		"type":          EventProcessingState,
		"is_processing": processing,
	})
}

func AIResponseChunk(text, chunkID string, isFinal, isFirst bool) []byte {
	payload := map[string]any{
		"type":     EventAIResponseChunk,
		"text":     text,
		"chunk_id": chunkID,
		"is_final": isFinal,
	}
	if isFirst {
		payload["is_first_chunk"] = true
	}
	return marshal(payload)
}

func Response(finalResponse, transcript string, seq uint64, metrics Metrics) []byte {
	return marshal(map[string]any{
		"type":           EventResponse,
		"final_response": finalResponse,
		"transcript":     transcript,
		"utterance_seq":  seq,
		"metrics":        metrics,
	})
}

func TTSAudio(audio []byte, chunkID string, isFinal bool) []byte {
	return marshal(map[string]any{
		"type":     EventTTSAudio,
		"audio":    base64.StdEncoding.EncodeToString(audio),
		"chunk_id": chunkID,
		"is_final": isFinal,
	})
}

func ErrorEvent(message string) []byte {
	return marshal(map[string]any{
		"type":    EventError,
		"message": message,
	})
}

func Pong() []byte {
	return marshal(map[string]any{"type": EventPong})
}
