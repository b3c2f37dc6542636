// Package parser decodes columnar asset tables and reshapes them into the
// node/link graph rendered by the dashboard.
package parser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fortifai/core/internal/models"
)

// Frame node ids.
const (
	FrameAdmin     = "frame:admin"
	FrameStorage   = "frame:storage"
	frameVPCPrefix = "frame:vpc:"
)

// FrameVPC returns the id of the frame grouping everything in vpcID.
func FrameVPC(vpcID string) string {
	return frameVPCPrefix + vpcID
}

type BuildOptions struct {
	// Ignored maps node ids to the reason they were ignored.
	Ignored map[string]string
	// Overlay holds user-managed nodes merged on top of the asset nodes.
	Overlay []models.Node
	// Skipped lists asset types that could not be read.
	Skipped []string
}

type relation struct {
	id     string
	group  string
	vpc    string
	subnet string
}

type builder struct {
	nodes     []models.Node
	index     map[string]int
	links     []models.Link
	linkSet   map[[2]string]bool
	relations []relation
	vpcNames  map[string]string
}

func BuildGraph(assets map[string][]models.Record, opts BuildOptions) *models.Graph {
	b := &builder{
		nodes:    []models.Node{},
		index:    make(map[string]int),
		links:    []models.Link{},
		linkSet:  make(map[[2]string]bool),
		vpcNames: make(map[string]string),
	}

	assetTypes := make([]string, 0, len(assets))
	for assetType := range assets {
		assetTypes = append(assetTypes, assetType)
	}
	sort.Strings(assetTypes)

	for _, assetType := range assetTypes {
		kind := models.KindFor(assetType)
		for i, record := range assets[assetType] {
			b.addAsset(assetType, kind, i, record)
		}
	}

	b.addFrames()
	b.addOverlay(opts.Overlay)
	b.markIgnored(opts.Ignored)

	return b.finish(opts.Skipped)
}

func (b *builder) addAsset(assetType string, kind models.AssetKind, index int, record models.Record) {
	nodeID := record.FirstString(kind.IDColumns()...)
	if nodeID == "" {
		nodeID = fmt.Sprintf("%s-%d", assetType, index)
	}

	if _, exists := b.index[nodeID]; exists {
		return
	}

	name := record.FirstString(models.NameColumns...)
	if name == "" {
		name = nodeID
	}

	node := models.Node{
		ID:       nodeID,
		Name:     name,
		Type:     string(kind),
		Group:    kind.Group(),
		Val:      1,
		Metadata: buildMetadata(assetType, record),
	}
	b.addNode(node)

	rel := relation{
		id:    nodeID,
		group: node.Group,
		vpc:   record.FirstString(models.VPCColumns...),
	}

	switch kind {
	case models.KindVPC:
		rel.vpc = nodeID
		if name != nodeID {
			b.vpcNames[nodeID] = name
		}
	case models.KindSubnet:
	default:
		rel.subnet = record.FirstString(models.SubnetColumns...)
	}

	b.relations = append(b.relations, rel)
}

func (b *builder) addNode(node models.Node) {
	b.index[node.ID] = len(b.nodes)
	b.nodes = append(b.nodes, node)
}

func (b *builder) addLink(source, target string) {
	if source == "" || target == "" || source == target {
		return
	}
	key := [2]string{source, target}
	if b.linkSet[key] {
		return
	}
	b.linkSet[key] = true
	b.links = append(b.links, models.Link{Source: source, Target: target, Value: 1})
}

func (b *builder) addFrames() {
	vpcs := make(map[string]bool)
	hasIdentity, hasStorage := false, false

	for _, rel := range b.relations {
		if rel.vpc != "" {
			vpcs[rel.vpc] = true
		}
		switch rel.group {
		case models.GroupIdentity:
			hasIdentity = true
		case models.GroupStorage:
			hasStorage = true
		}
	}

	vpcIDs := make([]string, 0, len(vpcs))
	for id := range vpcs {
		vpcIDs = append(vpcIDs, id)
	}
	sort.Strings(vpcIDs)

	for _, vpcID := range vpcIDs {
		name := vpcID
		if tagged, ok := b.vpcNames[vpcID]; ok {
			name = tagged
		}
		b.addFrame(FrameVPC(vpcID), name, models.GroupVPC, map[string]any{"vpc_id": vpcID})
	}
	if hasIdentity {
		b.addFrame(FrameAdmin, "Administrative", models.GroupAdmin, nil)
	}
	if hasStorage {
		b.addFrame(FrameStorage, "Storage", models.GroupStorage, nil)
	}

	for _, rel := range b.relations {
		if rel.vpc != "" {
			b.addLink(rel.id, FrameVPC(rel.vpc))
		}
		switch rel.group {
		case models.GroupIdentity:
			b.addLink(rel.id, FrameAdmin)
		case models.GroupStorage:
			b.addLink(rel.id, FrameStorage)
		}
		if rel.subnet != "" {
			if _, ok := b.index[rel.subnet]; ok {
				b.addLink(rel.id, rel.subnet)
			}
		}
	}
}

func (b *builder) addFrame(id, name, group string, metadata map[string]any) {
	if _, exists := b.index[id]; exists {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["frame"] = true

	b.addNode(models.Node{
		ID:       id,
		Name:     name,
		Type:     models.NodeTypeFrame,
		Group:    group,
		Val:      1,
		Metadata: metadata,
	})
}

func (b *builder) addOverlay(overlay []models.Node) {
	for _, custom := range overlay {
		if custom.ID == "" {
			continue
		}

		if i, exists := b.index[custom.ID]; exists {
			existing := &b.nodes[i]
			if custom.Name != "" {
				existing.Name = custom.Name
			}
			if existing.Metadata == nil {
				existing.Metadata = map[string]any{}
			}
			for k, v := range custom.Metadata {
				existing.Metadata[k] = v
			}
		} else {
			node := custom
			if node.Name == "" {
				node.Name = node.ID
			}
			if node.Type == "" {
				node.Type = models.NodeTypeCustom
			}
			if node.Group == "" {
				node.Group = models.GroupOther
			}
			if node.Val <= 0 {
				node.Val = 1
			}
			node.Metadata = copyMetadata(custom.Metadata)
			b.addNode(node)
		}

		for _, target := range linkTargets(custom.Metadata) {
			b.addLink(custom.ID, target)
		}
	}
}

func (b *builder) markIgnored(ignored map[string]string) {
	for id, reason := range ignored {
		i, ok := b.index[id]
		if !ok {
			continue
		}
		node := &b.nodes[i]
		if node.Metadata == nil {
			node.Metadata = map[string]any{}
		}
		node.Metadata["ignored"] = true
		if reason != "" {
			node.Metadata["ignore_reason"] = reason
		}
	}
}

func (b *builder) finish(skipped []string) *models.Graph {
	links := make([]models.Link, 0, len(b.links))
	children := make(map[string]int)
	for _, link := range b.links {
		if _, ok := b.index[link.Source]; !ok {
			continue
		}
		if _, ok := b.index[link.Target]; !ok {
			continue
		}
		links = append(links, link)
		children[link.Target]++
	}

	for i := range b.nodes {
		if b.nodes[i].IsFrame() {
			b.nodes[i].Val = 1 + children[b.nodes[i].ID]
		}
	}

	sort.SliceStable(b.nodes, func(i, j int) bool {
		fi, fj := b.nodes[i].IsFrame(), b.nodes[j].IsFrame()
		if fi != fj {
			return fi
		}
		return b.nodes[i].ID < b.nodes[j].ID
	})
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].Source != links[j].Source {
			return links[i].Source < links[j].Source
		}
		return links[i].Target < links[j].Target
	})

	graph := &models.Graph{Nodes: b.nodes, Links: links}
	graph.Stats = buildStats(graph, skipped)
	return graph
}

func buildStats(graph *models.Graph, skipped []string) *models.Stats {
	stats := &models.Stats{
		TotalNodes:   len(graph.Nodes),
		TotalLinks:   len(graph.Links),
		NodesByType:  make(map[string]int),
		NodesByGroup: make(map[string]int),
	}
	for _, n := range graph.Nodes {
		stats.NodesByType[n.Type]++
		stats.NodesByGroup[n.Group]++
	}
	if len(skipped) > 0 {
		stats.SkippedAssetTypes = append([]string(nil), skipped...)
		sort.Strings(stats.SkippedAssetTypes)
	}
	return stats
}

func buildMetadata(assetType string, record models.Record) map[string]any {
	metadata := make(map[string]any, len(record)+1)
	for k, v := range record {
		if v == nil {
			continue
		}
		metadata[k] = v
	}
	metadata["asset_type"] = assetType
	return metadata
}

func copyMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// linkTargets reads the "links" metadata field of a user-managed node.
func linkTargets(metadata map[string]any) []string {
	switch v := metadata["links"].(type) {
	case []string:
		return v
	case []any:
		targets := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok && strings.TrimSpace(s) != "" {
				targets = append(targets, strings.TrimSpace(s))
			}
		}
		return targets
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
