// Package catalog parses catalog documents: JSON delivered on a well-known
// track of a broadcast, describing which tracks the broadcast currently
// offers.
//
// Two document shapes exist in the wild. The generic shape carries a
// "tracks" array of descriptors (or is itself a bare array of descriptors):
//
//	{"tracks":[{"trackName":"video","type":"video","priority":1}]}
//
// The nested "hang" shape groups media kinds under top-level keys:
//
//	{"video":{"renditions":{"video/hd":{...}}},"audio":{...}}
//
// Parse accepts both, preferring the generic shape when a tracks array is
// present.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Track is one available track listed in a catalog.
type Track struct {
	Name     string `json:"trackName"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
}

// Root is the generic catalog document.
type Root struct {
	Version int     `json:"version,omitempty"`
	Tracks  []Track `json:"tracks"`
}

// Parse decodes a catalog document into the list of available tracks.
// Generic entries missing any of trackName, type or priority are skipped;
// only malformed JSON is an error.
func Parse(data []byte) ([]Track, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("catalog: empty document")
	}

	if trimmed[0] == '[' {
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		return parseEntries(entries), nil
	}

	var doc struct {
		Tracks []json.RawMessage `json:"tracks"`
		Video  *hangSection      `json:"video"`
		Audio  *hangSection      `json:"audio"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	if doc.Tracks != nil {
		return parseEntries(doc.Tracks), nil
	}
	return parseHang(doc.Video, doc.Audio), nil
}

func parseEntries(entries []json.RawMessage) []Track {
	tracks := make([]Track, 0, len(entries))
	for _, raw := range entries {
		var entry struct {
			Name     *string `json:"trackName"`
			Type     *string `json:"type"`
			Priority *int    `json:"priority"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.Name == nil || entry.Type == nil || entry.Priority == nil {
			continue
		}
		tracks = append(tracks, Track{
			Name:     *entry.Name,
			Type:     *entry.Type,
			Priority: *entry.Priority,
		})
	}
	return tracks
}

type hangSection struct {
	Renditions map[string]json.RawMessage `json:"renditions"`
}

func parseHang(video, audio *hangSection) []Track {
	var tracks []Track
	if video != nil {
		tracks = append(tracks, Track{Name: video.trackName("video"), Type: "video", Priority: 1})
	}
	if audio != nil {
		tracks = append(tracks, Track{Name: audio.trackName("audio"), Type: "audio", Priority: 1})
	}
	return tracks
}

// trackName picks the first rendition key in lexical order, falling back to
// the media kind when no renditions are listed.
func (s *hangSection) trackName(fallback string) string {
	if len(s.Renditions) == 0 {
		return fallback
	}
	keys := make([]string, 0, len(s.Renditions))
	for k := range s.Renditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}
