package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Legacy document decoding.
//
// Older releases persisted fingerprint keys as flat strings of the form
// "kind:name@scope" (kind and scope optional) and steps carried a deprecated
// "notify" boolean that has since been folded into "promoteByDefault".
// Both shapes are decoded into the canonical structs once, on read, so the
// domain logic never sees dual fields.

// parseLegacyKey decodes the flat "kind:name@scope" key encoding.
func parseLegacyKey(s string) Key {
	key := Key{Kind: KeyKindNone}
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		key.Scope = s[at+1:]
		s = s[:at]
	}
	if colon := strings.IndexByte(s, ':'); colon >= 0 {
		if kind := ParseKeyKind(s[:colon]); kind != KeyKindNone || strings.EqualFold(s[:colon], "none") {
			key.Kind = kind
			s = s[colon+1:]
		}
	}
	key.Name = s
	return key
}

func decodeKeyList(raw []json.RawMessage) ([]Key, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	keys := make([]Key, 0, len(raw))
	for _, elem := range raw {
		if len(elem) > 0 && elem[0] == '"' {
			var s string
			if err := json.Unmarshal(elem, &s); err != nil {
				return nil, err
			}
			keys = append(keys, parseLegacyKey(s))
			continue
		}
		var key Key
		if err := json.Unmarshal(elem, &key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return canonicalKeys(keys), nil
}

func decodeMetadata(raw json.RawMessage) ([]MetaEntry, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	// Legacy documents stored metadata as a flat object.
	if raw[0] == '{' {
		var flat map[string]string
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, err
		}
		entries := make([]MetaEntry, 0, len(flat))
		for name, value := range flat {
			entries = append(entries, MetaEntry{Name: name, Value: value})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		return entries, nil
	}
	var entries []MetaEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return canonicalMeta(entries), nil
}

// UnmarshalJSON decodes both the canonical fingerprint shape and the legacy
// flat-key encoding.
func (f *Fingerprint) UnmarshalJSON(data []byte) error {
	var doc struct {
		Type            string            `json:"type"`
		SummaryTemplate string            `json:"summaryTemplate"`
		Keys            []json.RawMessage `json:"keys"`
		RejectKeys      []json.RawMessage `json:"rejectKeys"`
		Metadata        json.RawMessage   `json:"metadata"`
		ChangeFilter    []string          `json:"changeFilter"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	keys, err := decodeKeyList(doc.Keys)
	if err != nil {
		return err
	}
	rejectKeys, err := decodeKeyList(doc.RejectKeys)
	if err != nil {
		return err
	}
	metadata, err := decodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	f.Type = doc.Type
	f.SummaryTemplate = doc.SummaryTemplate
	f.Keys = keys
	f.RejectKeys = rejectKeys
	f.Metadata = metadata
	f.ChangeFilter = doc.ChangeFilter
	return nil
}

// UnmarshalJSON decodes both the canonical step shape and documents carrying
// the deprecated "notify" boolean.
func (s *Step) UnmarshalJSON(data []byte) error {
	var doc struct {
		SpanID           string            `json:"spanId"`
		Change           int64             `json:"change"`
		Severity         StepSeverity      `json:"severity"`
		JobID            string            `json:"jobId"`
		BatchID          string            `json:"batchId"`
		StepID           string            `json:"stepId"`
		JobName          string            `json:"jobName"`
		Time             time.Time         `json:"time"`
		LogRef           string            `json:"logRef"`
		Annotations      map[string]string `json:"annotations"`
		PromoteByDefault *bool             `json:"promoteByDefault"`
		Notify           *bool             `json:"notify"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.SpanID = doc.SpanID
	s.Change = doc.Change
	s.Severity = doc.Severity
	s.JobID = doc.JobID
	s.BatchID = doc.BatchID
	s.StepID = doc.StepID
	s.JobName = doc.JobName
	s.Time = doc.Time
	s.LogRef = doc.LogRef
	s.Annotations = doc.Annotations
	switch {
	case doc.PromoteByDefault != nil:
		s.PromoteByDefault = *doc.PromoteByDefault
	case doc.Notify != nil:
		s.PromoteByDefault = *doc.Notify
	default:
		s.PromoteByDefault = false
	}
	return nil
}
