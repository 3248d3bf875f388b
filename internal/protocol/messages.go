// Package protocol defines the JSON frames exchanged with the consultation
// client. Inbound frames decode once into a closed set of command types;
// outbound events serialize through the same package so the wire format has a
// single owner.
package protocol

import (
	"encoding/base64"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/ruchi-nb/full-matata-sub000/internal/platform/errors"
)

// Inbound command types.
const (
	TypeInit       = "init"
	TypeAudioData  = "audio_data"
	TypeAudioChunk = "audio_chunk"
	TypeFlush      = "flush"
	TypeFinalAudio = "final_audio"
	TypeStop       = "stop"
	TypePing       = "ping"
)

// Outbound event types.
const (
	EventConnectionEstablished = "connection_established"
	EventVADSignal             = "vad_signal"
	EventStreamingTranscript   = "streaming_transcript"
	EventFinalTranscript       = "final_transcript"
	EventProcessingState       = "processing_state"
	EventAIResponseChunk       = "ai_response_chunk"
	EventResponse              = "response"
	EventTTSAudio              = "tts_audio"
	EventError                 = "error"
	EventPong                  = "pong"
)

// Command is the closed union of inbound client commands.
type Command interface {
	CommandType() string
}

type Init struct {
	SessionID      string
	Language       string
	Provider       string
	ConsultationID string
	Multilingual   *bool
}

func (Init) CommandType() string { return TypeInit }

// AudioData carries a complete utterance blob for immediate transcription.
type AudioData struct {
	Audio    []byte
	Language string
}

func (AudioData) CommandType() string { return TypeAudioData }

// AudioChunk is one incremental streaming frame.
type AudioChunk struct {
	Audio      []byte
	Language   string
	Provider   string
	Encoding   string
	SampleRate int
}

func (AudioChunk) CommandType() string { return TypeAudioChunk }

// FinalAudio is an explicit end-of-turn blob.
type FinalAudio struct {
	Audio    []byte
	Language string
}

func (FinalAudio) CommandType() string { return TypeFinalAudio }

type Flush struct{}

func (Flush) CommandType() string { return TypeFlush }

type Stop struct{}

func (Stop) CommandType() string { return TypeStop }

type Ping struct{}

func (Ping) CommandType() string { return TypePing }

// envelope matches every inbound frame; unused fields stay zero.
type envelope struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	Language       string `json:"language"`
	Provider       string `json:"provider"`
	ConsultationID string `json:"consultation_id"`
	Multilingual   *bool  `json:"multilingual"`
	Audio          string `json:"audio"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sample_rate"`
}

// Decode parses one inbound text frame into a typed command. Protocol errors
// never tear down the connection; callers drop the frame and keep reading.
func Decode(frame []byte) (Command, error) {
	var env envelope
	if err := sonic.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "decode", "malformed frame", err)
	}

	typ := strings.ToLower(env.Type)
	switch typ {
	case TypeInit:
		return Init{
			SessionID:      env.SessionID,
			Language:       env.Language,
			Provider:       env.Provider,
			ConsultationID: env.ConsultationID,
			Multilingual:   env.Multilingual,
		}, nil
	case TypeAudioData, TypeFinalAudio:
		audio, err := decodeAudio(env.Audio)
		if err != nil {
			return nil, err
		}
		if typ == TypeFinalAudio {
			return FinalAudio{Audio: audio, Language: env.Language}, nil
		}
		return AudioData{Audio: audio, Language: env.Language}, nil
	case TypeAudioChunk:
		audio, err := decodeAudio(env.Audio)
		if err != nil {
			return nil, err
		}
		return AudioChunk{
			Audio:      audio,
			Language:   env.Language,
			Provider:   env.Provider,
			Encoding:   env.Encoding,
			SampleRate: env.SampleRate,
		}, nil
	case TypeFlush:
		return Flush{}, nil
	case TypeStop:
		return Stop{}, nil
	case TypePing:
		return Ping{}, nil
	case "":
		return nil, errors.New(errors.KindProtocol, "decode", "missing command type")
	default:
		return nil, errors.New(errors.KindProtocol, "decode", "unknown command type "+env.Type)
	}
}

func decodeAudio(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, errors.New(errors.KindProtocol, "decode", "missing audio payload")
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "decode", "invalid base64 audio", err)
	}
	return audio, nil
}
