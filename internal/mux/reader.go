package mux

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
)

// TrackSummary describes one track of a finished recording.
type TrackSummary struct {
	Number     int
	Name       string
	CodecID    string
	Width      int
	Height     int
	SampleRate float64
	Channels   int

	Samples    int
	KeyFrames  int
	First      time.Duration
	Last       time.Duration
	Timestamps []time.Duration
}

// Monotonic reports whether block timestamps never decrease.
func (t TrackSummary) Monotonic() bool {
	for i := 1; i < len(t.Timestamps); i++ {
		if t.Timestamps[i] < t.Timestamps[i-1] {
			return false
		}
	}
	return true
}

// Summary is the result of ReadMatroska.
type Summary struct {
	DocType string
	Tracks  []TrackSummary
}

// Track returns the summary of a track by number.
func (s *Summary) Track(number int) (TrackSummary, bool) {
	for _, t := range s.Tracks {
		if t.Number == number {
			return t, true
		}
	}
	return TrackSummary{}, false
}

// ReadMatroska parses a Matroska file and summarizes its tracks and blocks.
func ReadMatroska(r io.Reader) (*Summary, error) {
	var file struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment"`
	}
	if err := ebml.Unmarshal(r, &file); err != nil {
		return nil, fmt.Errorf("unmarshal matroska: %w", err)
	}

	summary := &Summary{DocType: file.Header.DocType}
	byNumber := make(map[uint64]*TrackSummary)
	for _, entry := range file.Segment.Tracks.TrackEntry {
		ts := TrackSummary{
			Number:  int(entry.TrackNumber),
			Name:    entry.Name,
			CodecID: entry.CodecID,
		}
		if entry.Video != nil {
			ts.Width = int(entry.Video.PixelWidth)
			ts.Height = int(entry.Video.PixelHeight)
		}
		if entry.Audio != nil {
			ts.SampleRate = entry.Audio.SamplingFrequency
			ts.Channels = int(entry.Audio.Channels)
		}
		summary.Tracks = append(summary.Tracks, ts)
	}
	for i := range summary.Tracks {
		byNumber[uint64(summary.Tracks[i].Number)] = &summary.Tracks[i]
	}

	scale := time.Duration(file.Segment.Info.TimecodeScale)
	if scale == 0 {
		scale = time.Millisecond
	}
	for _, cluster := range file.Segment.Cluster {
		for _, block := range cluster.SimpleBlock {
			ts, ok := byNumber[block.TrackNumber]
			if !ok {
				continue
			}
			at := time.Duration(int64(cluster.Timecode)+int64(block.Timecode)) * scale
			if ts.Samples == 0 {
				ts.First = at
			}
			ts.Last = at
			ts.Samples++
			if block.Keyframe {
				ts.KeyFrames++
			}
			ts.Timestamps = append(ts.Timestamps, at)
		}
	}

	sort.Slice(summary.Tracks, func(i, j int) bool {
		return summary.Tracks[i].Number < summary.Tracks[j].Number
	})
	return summary, nil
}
