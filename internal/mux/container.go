package mux

import (
	"fmt"
	"io"
	"strings"

	"github.com/audiolibrelab/screenrec/internal/media"
)

// Track is one stream of the output container. Tracks are numbered from 1 in
// the order streams were added to the sink.
type Track struct {
	Number int
	Format media.Format
}

// ContainerWriter serializes interleaved samples into a container format.
// Implementations are driven from a single goroutine.
type ContainerWriter interface {
	WriteHeader(tracks []Track) error
	WriteSample(track int, s media.Sample) error
	Close() error
}

// Container formats understood by NewContainerWriter.
const (
	ContainerMatroska = "mkv"
	ContainerMP4      = "mp4"
)

// Extension returns the file extension for a container name.
func Extension(container string) string {
	return "." + strings.ToLower(container)
}

// SupportedContainer reports whether NewContainerWriter knows the format.
func SupportedContainer(container string) bool {
	switch strings.ToLower(container) {
	case ContainerMatroska, ContainerMP4:
		return true
	}
	return false
}

// NewContainerWriter returns a writer for the named container format.
func NewContainerWriter(container string, w io.Writer) (ContainerWriter, error) {
	switch strings.ToLower(container) {
	case ContainerMatroska:
		return NewMatroskaWriter(w), nil
	case ContainerMP4:
		return NewFMP4Writer(w), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownContainer, container)
	}
}
