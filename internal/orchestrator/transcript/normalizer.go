package transcript

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	apperr "github.com/meeting-tensor/platform/internal/errors"
)

// Payload is a decoded provider event.
type Payload = map[string]any

// TextStrategy extracts utterance text from a payload.
type TextStrategy func(Payload) (string, bool)

// FinalStrategy extracts the finality flag from a payload.
type FinalStrategy func(Payload) (bool, bool)

// SpeakerStrategy extracts a speaker tag from a payload.
type SpeakerStrategy func(Payload) (string, bool)

// Normalizer converts provider payloads into Events. Each field is resolved by the
// first strategy in its list that yields a result.
type Normalizer struct {
	Text    []TextStrategy
	Final   []FinalStrategy
	Speaker []SpeakerStrategy
}

// sentencePaths lists where a sentence object has been observed, in priority order.
var sentencePaths = [][]string{
	{"payload", "output", "sentence"},
	{"output", "sentence"},
	{"payload", "sentence"},
	{"sentence"},
	{"result"},
}

// NewNormalizer returns a normalizer with the built-in strategies.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		Text: []TextStrategy{
			sentenceString("text"),
			sentenceString("transcript"),
			sentenceString("sentence"),
			bareSentence,
			pathString("payload", "output", "text"),
			pathString("output", "text"),
			pathString("text"),
		},
		Final: []FinalStrategy{
			sentenceBool("sentence_end"),
			sentenceBool("is_sentence_end"),
			sentenceBool("is_final"),
			sentenceBool("final"),
			pathBool("is_final"),
		},
		Speaker: []SpeakerStrategy{
			sentenceSpeaker("speaker_id"),
			sentenceSpeaker("spk_id"),
			sentenceSpeaker("speaker"),
			pathSpeaker("speaker"),
		},
	}
}

// Normalize decodes raw and resolves one Event. ok is false when the payload carries
// nothing to forward, such as a heartbeat or an empty partial. An empty final is
// forwarded with no text. A payload that cannot
// be decoded returns a SPEECH_EVENT_MALFORMED error.
func (n *Normalizer) Normalize(raw []byte, at time.Time) (Event, bool, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, false, apperr.Wrap(err, apperr.CodeSpeechEventMalformed, "decode recognition event").
			WithMetadata("bytes", strconv.Itoa(len(raw)))
	}
	if p == nil {
		return Event{}, false, apperr.New(apperr.CodeSpeechEventMalformed, "recognition event is not an object")
	}
	return n.NormalizePayload(p, at)
}

// NormalizePayload resolves an Event from an already decoded payload.
func (n *Normalizer) NormalizePayload(p Payload, at time.Time) (Event, bool, error) {
	if s, ok := sentence(p); ok {
		if hb, _ := s["heartbeat"].(bool); hb {
			return Event{}, false, nil
		}
	}

	ev := Event{Timestamp: at}
	for _, fn := range n.Final {
		if v, ok := fn(p); ok {
			ev.IsFinal = v
			break
		}
	}
	text, found := firstString(n.Text, p)
	if !found && !ev.IsFinal {
		return Event{}, false, nil
	}
	// An empty final still closes the client's in-progress line.
	ev.Text = strings.TrimSpace(text)
	ev.Speaker, _ = firstString(n.Speaker, p)
	return ev, true, nil
}

func firstString[F ~func(Payload) (string, bool)](fns []F, p Payload) (string, bool) {
	for _, fn := range fns {
		if v, ok := fn(p); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

func lookup(p Payload, path ...string) (any, bool) {
	var cur any = p
	for _, k := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[k]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func sentence(p Payload) (map[string]any, bool) {
	for _, path := range sentencePaths {
		if v, ok := lookup(p, path...); ok {
			if m, ok := v.(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

func sentenceString(key string) TextStrategy {
	return func(p Payload) (string, bool) {
		s, ok := sentence(p)
		if !ok {
			return "", false
		}
		v, ok := s[key].(string)
		return v, ok
	}
}

// bareSentence handles providers that send the sentence itself as a string.
func bareSentence(p Payload) (string, bool) {
	for _, path := range sentencePaths {
		if v, ok := lookup(p, path...); ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func pathString(path ...string) TextStrategy {
	return func(p Payload) (string, bool) {
		v, ok := lookup(p, path...)
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}
}

func sentenceBool(key string) FinalStrategy {
	return func(p Payload) (bool, bool) {
		s, ok := sentence(p)
		if !ok {
			return false, false
		}
		return asBool(s[key])
	}
}

func pathBool(path ...string) FinalStrategy {
	return func(p Payload) (bool, bool) {
		v, ok := lookup(p, path...)
		if !ok {
			return false, false
		}
		return asBool(v)
	}
}

func sentenceSpeaker(key string) SpeakerStrategy {
	return func(p Payload) (string, bool) {
		s, ok := sentence(p)
		if !ok {
			return "", false
		}
		return speakerTag(s[key])
	}
}

func pathSpeaker(path ...string) SpeakerStrategy {
	return func(p Payload) (string, bool) {
		v, ok := lookup(p, path...)
		if !ok {
			return "", false
		}
		return speakerTag(v)
	}
}

// speakerTag accepts a string, an integer or an object carrying id or name.
func speakerTag(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		if t != math.Trunc(t) {
			return "", false
		}
		return strconv.FormatInt(int64(t), 10), true
	case map[string]any:
		for _, k := range []string{"id", "speaker_id", "name"} {
			if s, ok := speakerTag(t[k]); ok {
				return s, true
			}
		}
	}
	return "", false
}

// asBool accepts JSON booleans and the string forms some providers emit.
func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	default:
		return false, false
	}
}
