// Package listing presents the flat key space of a blob store as a directory
// tree, one level at a time.
package listing

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"cairn/internal/keys"
	"cairn/internal/storage"
)

type Kind string

const (
	Leaf   Kind = "file"
	Branch Kind = "dir"
)

// Node is one entry of a virtual directory. For a Branch, Size is the total
// size of every object below it and LastModified the newest of them.
type Node struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Kind         Kind      `json:"kind"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Lister derives directory views from live listings. Nothing is cached, so
// every call reflects the store at the time it is made.
type Lister struct {
	store   storage.BlobStore
	timeout time.Duration
	logger  *log.Logger
}

// New returns a Lister whose listings fail as transient once they make no
// progress for requestTimeout. Zero leaves them unbounded.
func New(store storage.BlobStore, requestTimeout time.Duration, logger *log.Logger) *Lister {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Lister{store: store, timeout: requestTimeout, logger: logger}
}

// Browse lists the immediate children of subPath below root. root must end
// with the key delimiter. A location with no objects yields an empty slice.
func (l *Lister) Browse(ctx context.Context, root, subPath string) ([]Node, error) {
	sub, err := keys.CleanSubPath(subPath)
	if err != nil {
		return nil, err
	}
	listPrefix := root
	if sub != "" {
		listPrefix = root + sub + keys.Delimiter
	}

	leaves := make([]Node, 0)
	branches := make(map[string]*Node)
	for obj, err := range storage.ListWithin(ctx, l.store, listPrefix, l.timeout) {
		if err != nil {
			return nil, fmt.Errorf("browse %q: %w", listPrefix, err)
		}
		rest := strings.TrimPrefix(obj.Key, listPrefix)
		if rest == "" {
			continue
		}
		name, _, isBranch := strings.Cut(rest, keys.Delimiter)
		if !isBranch {
			leaves = append(leaves, Node{
				Name:         name,
				Path:         joinPath(sub, name),
				Kind:         Leaf,
				Size:         obj.Size,
				LastModified: obj.LastModified,
			})
			continue
		}
		b, ok := branches[name]
		if !ok {
			b = &Node{Name: name, Path: joinPath(sub, name), Kind: Branch}
			branches[name] = b
		}
		b.Size += obj.Size
		if obj.LastModified.After(b.LastModified) {
			b.LastModified = obj.LastModified
		}
	}

	nodes := make([]Node, 0, len(branches)+len(leaves))
	for _, b := range branches {
		nodes = append(nodes, *b)
	}
	nodes = append(nodes, leaves...)
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Kind != nodes[j].Kind {
			return nodes[i].Kind == Branch
		}
		return nodes[i].Name < nodes[j].Name
	})
	l.logger.Printf("[listing] browse %q: %d entries", listPrefix, len(nodes))
	return nodes, nil
}

// Walk returns every leaf below subPath, at any depth, sorted by path.
func (l *Lister) Walk(ctx context.Context, root, subPath string) ([]Node, error) {
	sub, err := keys.CleanSubPath(subPath)
	if err != nil {
		return nil, err
	}
	listPrefix := root
	if sub != "" {
		listPrefix = root + sub + keys.Delimiter
	}

	nodes := make([]Node, 0)
	for obj, err := range storage.ListWithin(ctx, l.store, listPrefix, l.timeout) {
		if err != nil {
			return nil, fmt.Errorf("walk %q: %w", listPrefix, err)
		}
		rel := strings.TrimPrefix(obj.Key, root)
		if rel == sub || strings.HasSuffix(rel, keys.Delimiter) {
			continue
		}
		nodes = append(nodes, Node{
			Name:         rel[strings.LastIndex(rel, keys.Delimiter)+1:],
			Path:         rel,
			Kind:         Leaf,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes, nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + keys.Delimiter + name
}
