package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// SourceMetadata describes the document being ingested.
type SourceMetadata struct {
	SourceRef  string            `json:"source_ref"`
	Title      string            `json:"title,omitempty"`
	SourceType string            `json:"source_type,omitempty"`
	Domain     string            `json:"domain,omitempty"`
	Authors    []string          `json:"authors,omitempty"`
	URL        string            `json:"url,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

const (
	defaultSourceType = "text"
	defaultDomain     = "General"
)

var sectionHints = []struct {
	keywords []string
	hint     string
}{
	{[]string{"abstract"},
		"This section provides a high-level summary of the paper's contributions and findings."},
	{[]string{"introduction", "intro"},
		"This section introduces the problem, motivation, and overview of the approach."},
	{[]string{"related work", "background", "literature", "prior work", "previous work"},
		"This section discusses existing methods and compares them to the proposed approach."},
	{[]string{"method", "approach", "methodology", "proposed", "framework", "architecture", "model", "algorithm"},
		"This section describes the proposed method, model, or algorithm in detail."},
	{[]string{"experiment", "evaluation", "result", "empirical", "analysis"},
		"This section presents experimental setup, results, and analysis."},
	{[]string{"discussion", "limitation", "future work", "conclusion"},
		"This section discusses findings, limitations, and future directions."},
	{[]string{"implementation", "setup", "configuration", "training"},
		"This section describes implementation details and experimental setup."},
}

// SectionHint tells the oracle what kind of content a heading introduces.
func SectionHint(heading string) string {
	h := strings.ToLower(heading)
	for _, entry := range sectionHints {
		for _, kw := range entry.keywords {
			if strings.Contains(h, kw) {
				return entry.hint
			}
		}
	}
	return "General content from the paper."
}

// sectionHeading falls back to "Section n" for untitled sections.
func sectionHeading(chunk Chunk) string {
	if strings.TrimSpace(chunk.SectionTitle) != "" {
		return chunk.SectionTitle
	}
	return fmt.Sprintf("Section %d", chunk.SectionIndex+1)
}

// EpisodeContent wraps chunk text in the research-paper context header.
func EpisodeContent(meta SourceMetadata, chunk Chunk) string {
	domain := meta.Domain
	if domain == "" {
		domain = defaultDomain
	}
	heading := sectionHeading(chunk)
	return fmt.Sprintf("[Research Paper Context]\nDomain: %s\nPaper: %s\nSection: %s\nContext: %s\n\n[Content]\n%s",
		domain, meta.Title, heading, SectionHint(heading), chunk.Text)
}

// EpisodeUUID is stable for (namespace, source ref, chunk index), so a replay
// of the same chunk addresses the same episode.
func EpisodeUUID(namespace, sourceRef string, chunkIndex int) string {
	name := namespace + "\x00" + sourceRef + "\x00" + strconv.Itoa(chunkIndex)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("episode:"+name)).String()
}

// BuildEpisode constructs the immutable provenance record for one chunk.
func BuildEpisode(namespace string, meta SourceMetadata, chunk Chunk, now time.Time) *types.Episode {
	sourceType := meta.SourceType
	if sourceType == "" {
		sourceType = defaultSourceType
	}
	return &types.Episode{
		Uuid:         EpisodeUUID(namespace, meta.SourceRef, chunk.Index),
		Namespace:    namespace,
		Name:         fmt.Sprintf("%s_section_%d", meta.Title, chunk.Index+1),
		Content:      EpisodeContent(meta, chunk),
		SourceType:   sourceType,
		SourceRef:    meta.SourceRef,
		SectionTitle: chunk.SectionTitle,
		ChunkIndex:   chunk.Index,
		CreatedAt:    now,
	}
}

func mentionUUID(episodeUUID, nodeUUID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mentions:"+episodeUUID+"\x00"+nodeUUID)).String()
}

// RelationUUID collapses repeated statements of the same fact into one edge.
func RelationUUID(namespace string, t types.EdgeType, source, target string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("relation:"+namespace+"\x00"+string(t)+"\x00"+source+"\x00"+target)).String()
}
