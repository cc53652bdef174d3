// Package reconcile replaces live transcripts with diarized batch transcriptions.
package reconcile

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	apperr "github.com/meeting-tensor/platform/internal/errors"
)

// Sentence is one diarized utterance from a batch result.
type Sentence struct {
	Text      string `json:"text"`
	StartMS   int64  `json:"start_ms"`
	EndMS     int64  `json:"end_ms"`
	SpeakerID string `json:"speaker_id,omitempty"`
}

// Locator finds the list of sentence objects inside one result document.
type Locator func(doc any) ([]any, bool)

// sentenceKeys are the list names a deep search accepts.
var sentenceKeys = []string{"sentences", "utterances", "segments"}

// maxSearchDepth bounds the deep search fallback.
const maxSearchDepth = 6

// Normalizer flattens heterogeneous batch results into ordered sentences. The first
// locator that finds a non-empty list wins for each document.
type Normalizer struct {
	Locators []Locator
}

// NewNormalizer returns a normalizer with the built-in locators.
func NewNormalizer() *Normalizer {
	return &Normalizer{Locators: []Locator{
		eachAt([]string{"transcripts"}, "sentences"),
		listAt("sentences"),
		eachAt([]string{"transcription", "transcripts"}, "sentences"),
		listAt("result", "sentences"),
		listAt("output", "sentences"),
		deepSearch,
	}}
}

// Normalize merges the sentences of every document, ordered by start time.
// It fails with BATCH_SHAPE_UNKNOWN when no document matches any locator.
func (n *Normalizer) Normalize(docs []json.RawMessage) ([]Sentence, error) {
	var out []Sentence
	matched := false
	for i, raw := range docs {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeBatchShapeUnknown, "decode batch result").
				WithMetadata("document", strconv.Itoa(i))
		}
		items, ok := n.locate(doc)
		if !ok {
			continue
		}
		matched = true
		for _, item := range items {
			if s, ok := toSentence(item); ok {
				out = append(out, s)
			}
		}
	}
	if !matched {
		return nil, apperr.New(apperr.CodeBatchShapeUnknown, "no sentence list found in batch result").
			WithMetadata("documents", strconv.Itoa(len(docs)))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartMS < out[j].StartMS })
	return out, nil
}

func (n *Normalizer) locate(doc any) ([]any, bool) {
	for _, loc := range n.Locators {
		if items, ok := loc(doc); ok && len(items) > 0 {
			return items, true
		}
	}
	return nil, false
}

func get(v any, path ...string) (any, bool) {
	for _, k := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = m[k]; !ok {
			return nil, false
		}
	}
	return v, true
}

func listAt(path ...string) Locator {
	return func(doc any) ([]any, bool) {
		v, ok := get(doc, path...)
		if !ok {
			return nil, false
		}
		list, ok := v.([]any)
		return list, ok
	}
}

// eachAt concatenates key from every object of the list at path, as in per-channel
// transcripts.
func eachAt(path []string, key string) Locator {
	return func(doc any) ([]any, bool) {
		v, ok := get(doc, path...)
		if !ok {
			return nil, false
		}
		parents, ok := v.([]any)
		if !ok {
			return nil, false
		}
		var out []any
		for _, p := range parents {
			if list, ok := listAt(key)(p); ok {
				out = append(out, list...)
			}
		}
		return out, len(out) > 0
	}
}

// deepSearch walks the document breadth first for the shallowest sentence list.
func deepSearch(doc any) ([]any, bool) {
	level := []any{doc}
	for depth := 0; depth <= maxSearchDepth && len(level) > 0; depth++ {
		var nextLevel []any
		for _, node := range level {
			switch t := node.(type) {
			case map[string]any:
				for _, k := range sentenceKeys {
					if list, ok := t[k].([]any); ok && len(list) > 0 && isSentenceList(list) {
						return list, true
					}
				}
				for _, k := range sortedKeys(t) {
					nextLevel = append(nextLevel, t[k])
				}
			case []any:
				nextLevel = append(nextLevel, t...)
			}
		}
		level = nextLevel
	}
	return nil, false
}

func isSentenceList(list []any) bool {
	_, ok := toSentence(list[0])
	return ok
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toSentence(item any) (Sentence, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return Sentence{}, false
	}
	text := firstText(m, "text", "sentence", "transcript", "content")
	if text == "" {
		return Sentence{}, false
	}
	s := Sentence{Text: text}
	s.StartMS, _ = firstMillis(m, []string{"begin_time", "start_time", "start_ms", "begin_ms"}, []string{"start", "begin"})
	s.EndMS, _ = firstMillis(m, []string{"end_time", "end_ms"}, []string{"end"})
	s.SpeakerID = speaker(m)
	return s, true
}

func firstText(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// firstMillis reads millisecond keys first, then keys holding seconds.
func firstMillis(m map[string]any, msKeys, secKeys []string) (int64, bool) {
	for _, k := range msKeys {
		if f, ok := number(m[k]); ok {
			return int64(math.Round(f)), true
		}
	}
	for _, k := range secKeys {
		if f, ok := number(m[k]); ok {
			return int64(math.Round(f * 1000)), true
		}
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func speaker(m map[string]any) string {
	for _, k := range []string{"speaker_id", "spk_id", "speaker"} {
		switch t := m[k].(type) {
		case float64:
			return strconv.FormatInt(int64(t), 10)
		case string:
			if t != "" {
				return t
			}
		case map[string]any:
			if id, ok := number(t["id"]); ok {
				return strconv.FormatInt(int64(id), 10)
			}
			if s, ok := t["id"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
