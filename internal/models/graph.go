// Package models defines the core data structures shared by the asset
// pipeline, the relocation workflow and the HTTP layer.
package models

// Node types that are not asset kinds.
const (
	NodeTypeFrame  = "frame"
	NodeTypeCustom = "custom"
)

type Graph struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
	Stats *Stats `json:"stats,omitempty"`
}

type Node struct {
	ID       string         `json:"id" validate:"required,max=256"`
	Name     string         `json:"name" validate:"max=512"`
	Type     string         `json:"type"`
	Group    string         `json:"group"`
	Val      int            `json:"val"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Link struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Value  int    `json:"value"`
}

type Stats struct {
	TotalNodes        int            `json:"total_nodes"`
	TotalLinks        int            `json:"total_links"`
	NodesByType       map[string]int `json:"nodes_by_type,omitempty"`
	NodesByGroup      map[string]int `json:"nodes_by_group,omitempty"`
	SkippedAssetTypes []string       `json:"skipped_asset_types,omitempty"`
}

// IsFrame reports whether n is a synthetic grouping node.
func (n Node) IsFrame() bool {
	return n.Type == NodeTypeFrame
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
