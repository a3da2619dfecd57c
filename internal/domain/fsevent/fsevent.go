// Package fsevent defines filesystem change events and the file tree
// structure shared by the watcher and the archive manifest.
package fsevent

import "time"

// Op is the kind of filesystem change.
type Op string

const (
	OpCreated  Op = "created"
	OpModified Op = "modified"
	OpDeleted  Op = "deleted"
)

// Change is one coalesced filesystem change. Changes are ephemeral: they
// are broadcast to viewers and never persisted.
type Change struct {
	Op        Op        `json:"op"`
	Path      string    `json:"path"`
	Dir       bool      `json:"dir"`
	Origin    string    `json:"origin"` // "watcher" or "restore"
	Timestamp time.Time `json:"timestamp"`
}

// NodeType distinguishes files from folders in a tree.
type NodeType string

const (
	NodeFile   NodeType = "file"
	NodeFolder NodeType = "folder"
)

// Node is one entry in a nested file tree. The tree is shaped so a file
// browser can render it directly without re-reading the workspace or
// archive.
type Node struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Type     NodeType `json:"type"`
	Size     int64    `json:"size,omitempty"`
	Children []*Node  `json:"children,omitempty"`
}

// Insert adds a file entry at the given slash-separated relative path,
// creating intermediate folders as needed. The receiver is the root.
func (n *Node) Insert(relPath string, size int64, dir bool) {
	parts := splitPath(relPath)
	cur := n
	for i, part := range parts {
		last := i == len(parts)-1
		child := cur.child(part)
		if child == nil {
			child = &Node{
				Name: part,
				Path: joinPath(cur.Path, part),
				Type: NodeFolder,
			}
			cur.Children = append(cur.Children, child)
		}
		if last && !dir {
			child.Type = NodeFile
			child.Size = size
		}
		cur = child
	}
}

func (n *Node) child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "/" + name
}
