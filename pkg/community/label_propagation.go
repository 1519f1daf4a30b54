package community

import (
	"sort"
)

// Neighbor is one weighted adjacency entry of a projection.
type Neighbor struct {
	NodeUUID  string
	EdgeCount int
}

// Projection is an undirected, weighted adjacency list keyed by node uuid.
type Projection map[string][]Neighbor

// labelPropagation clusters the projection. Nodes are visited in uuid order
// and ties go to the higher community id, so equal input yields equal output.
func labelPropagation(projection Projection, maxIterations int) [][]string {
	if len(projection) == 0 {
		return nil
	}

	uuids := make([]string, 0, len(projection))
	for uuid := range projection {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)

	communityMap := make(map[string]int, len(uuids))
	for i, uuid := range uuids {
		communityMap[uuid] = i
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		noChange := true
		newCommunityMap := make(map[string]int, len(uuids))

		for _, uuid := range uuids {
			currentCommunity := communityMap[uuid]

			candidates := make(map[int]int)
			for _, neighbor := range projection[uuid] {
				if c, ok := communityMap[neighbor.NodeUUID]; ok {
					candidates[c] += neighbor.EdgeCount
				}
			}

			newCommunity := currentCommunity
			if best, count, ok := topCandidate(candidates); ok {
				if count > 1 || best > currentCommunity {
					newCommunity = best
				}
			}

			newCommunityMap[uuid] = newCommunity
			if newCommunity != currentCommunity {
				noChange = false
			}
		}

		communityMap = newCommunityMap
		if noChange {
			break
		}
	}

	grouped := make(map[int][]string)
	for _, uuid := range uuids {
		c := communityMap[uuid]
		grouped[c] = append(grouped[c], uuid)
	}

	var clusters [][]string
	for _, cluster := range grouped {
		if len(cluster) > 1 {
			clusters = append(clusters, cluster)
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i]) != len(clusters[j]) {
			return len(clusters[i]) > len(clusters[j])
		}
		return clusters[i][0] < clusters[j][0]
	})
	return clusters
}

func topCandidate(candidates map[int]int) (community, count int, ok bool) {
	for c, n := range candidates {
		if !ok || n > count || (n == count && c > community) {
			community, count, ok = c, n, true
		}
	}
	return community, count, ok
}
