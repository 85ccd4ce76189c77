package types

import (
	"io/fs"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

const MediaTypeModelFile = "application/vnd.smdeploy.model.file.v1"

type Descriptor struct {
	Name      string        `json:"name"`
	MediaType string        `json:"mediaType,omitempty"`
	Digest    digest.Digest `json:"digest,omitempty"`
	Size      int64         `json:"size,omitempty"`
	Mode      fs.FileMode   `json:"mode,omitempty"`
	Modified  time.Time     `json:"modified,omitempty"`
	URLs      []string      `json:"urls,omitempty"`
}

func SortDescriptorName(a, b Descriptor) bool {
	return strings.Compare(a.Name, b.Name) < 0
}

// ArchiveManifest describes a packed model archive and its members.
type ArchiveManifest struct {
	Path    string        `json:"path"`
	Digest  digest.Digest `json:"digest"`
	Size    int64         `json:"size"`
	Members []Descriptor  `json:"members"`
}

// TotalSize is the sum of the uncompressed member sizes.
func (m ArchiveManifest) TotalSize() int64 {
	var total int64
	for _, member := range m.Members {
		total += member.Size
	}
	return total
}

func (m ArchiveManifest) Has(name string) bool {
	for _, member := range m.Members {
		if member.Name == name {
			return true
		}
	}
	return false
}
