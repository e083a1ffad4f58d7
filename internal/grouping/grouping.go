// Package grouping turns a catalog's images into duplicate groups, either by
// exact checksum match or by perceptual-hash proximity (C2).
package grouping

import (
	"sort"

	"github.com/google/uuid"

	"github.com/opticore/catalogcore/internal/hashing"
	"github.com/opticore/catalogcore/internal/models"
)

// HashOf selects the hash string of the requested kind off an image, or
// ("", false) if that hash hasn't been computed yet.
func HashOf(img models.Image, kind hashing.Kind) (string, bool) {
	var p *string
	switch kind {
	case hashing.KindDHash:
		p = img.DHash
	case hashing.KindAHash:
		p = img.AHash
	case hashing.KindWHash:
		p = img.WHash
	}
	if p == nil || *p == "" {
		return "", false
	}
	return *p, true
}

// ExactGroups groups images that share an identical checksum. Groups of size
// one are not duplicates and are omitted.
func ExactGroups(images []models.Image) []models.DuplicateGroup {
	byChecksum := make(map[string][]models.Image)
	for _, img := range images {
		if img.Checksum == "" {
			continue
		}
		byChecksum[img.Checksum] = append(byChecksum[img.Checksum], img)
	}

	var groups []models.DuplicateGroup
	for _, members := range byChecksum {
		if len(members) < 2 {
			continue
		}
		groups = append(groups, buildGroup(members, models.SimilarityExact, 100))
	}
	return groups
}

// PerceptualGroups groups images whose hash of the given kind is within
// threshold bits of another member's hash, using union-find so that chains
// of near-duplicates (A~B~C, where A and C may be far apart) collapse into a
// single connected group.
func PerceptualGroups(images []models.Image, kind hashing.Kind, threshold int) ([]models.DuplicateGroup, error) {
	var withHash []models.Image
	var hashes []string
	for _, img := range images {
		h, ok := HashOf(img, kind)
		if !ok {
			continue
		}
		withHash = append(withHash, img)
		hashes = append(hashes, h)
	}

	n := len(withHash)
	if n < 2 {
		return nil, nil
	}

	uf := newUnionFind(n)
	pairDistance := make(map[[2]int]int)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d, err := hashing.HammingDistance(hashes[i], hashes[j])
			if err != nil {
				return nil, err
			}
			if d <= threshold {
				uf.union(i, j)
				pairDistance[[2]int{i, j}] = d
			}
		}
	}

	clusters := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		clusters[root] = append(clusters[root], i)
	}

	var groups []models.DuplicateGroup
	for _, idxs := range clusters {
		if len(idxs) < 2 {
			continue
		}
		members := make([]models.Image, len(idxs))
		for k, idx := range idxs {
			members[k] = withHash[idx]
		}
		confidence := averageConfidence(idxs, pairDistance)
		groups = append(groups, buildGroup(members, models.SimilarityPerceptual, confidence))
	}
	return groups, nil
}

// averageConfidence computes round(100*(1 - avg_pairwise_distance/64)) over
// every pair in the cluster for which a direct distance was recorded (pairs
// joined only transitively through a third member don't have one; they're
// skipped, matching how union-find clusters are scored from their direct
// edges).
func averageConfidence(idxs []int, pairDistance map[[2]int]int) int {
	members := make(map[int]bool, len(idxs))
	for _, i := range idxs {
		members[i] = true
	}

	var sum, count int
	for key, d := range pairDistance {
		if members[key[0]] && members[key[1]] {
			sum += d
			count++
		}
	}
	if count == 0 {
		return 100
	}
	avg := float64(sum) / float64(count)
	return int(round(100 * (1 - avg/64)))
}

func round(f float64) float64 {
	if f >= 0 {
		return float64(int(f + 0.5))
	}
	return float64(int(f - 0.5))
}

// buildGroup selects the primary image and assigns a fresh group id.
func buildGroup(members []models.Image, kind models.SimilarityType, confidence int) models.DuplicateGroup {
	primary := selectPrimary(members)
	groupID := uuid.New()

	dm := make([]models.DuplicateMember, 0, len(members))
	for _, m := range members {
		score := confidence
		if kind == models.SimilarityExact {
			score = 100
		}
		dm = append(dm, models.DuplicateMember{
			ID:               uuid.New(),
			DuplicateGroupID: groupID,
			ImageID:          m.ID,
			SimilarityScore:  score,
		})
	}

	return models.DuplicateGroup{
		ID:             groupID,
		CatalogID:      members[0].CatalogID,
		PrimaryImageID: primary.ID,
		SimilarityType: kind,
		Confidence:     confidence,
		Members:        dm,
	}
}

// selectPrimary picks the member with the highest (quality_score or 0,
// size_bytes or 0) descending, breaking ties by ascending image id.
func selectPrimary(members []models.Image) models.Image {
	best := members[0]
	for _, m := range members[1:] {
		if betterPrimary(m, best) {
			best = m
		}
	}
	return best
}

func betterPrimary(a, b models.Image) bool {
	aq, bq := scoreOrZero(a.QualityScore), scoreOrZero(b.QualityScore)
	if aq != bq {
		return aq > bq
	}
	if a.SizeBytes != b.SizeBytes {
		return a.SizeBytes > b.SizeBytes
	}
	return a.ID < b.ID
}

func scoreOrZero(s *int) int {
	if s == nil {
		return 0
	}
	return *s
}

// union-find over a fixed-size dense index space.

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p, rank: make([]int, n)}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}

// SortGroupsDeterministic orders groups by primary image id, useful for
// stable test assertions and deterministic replace_duplicate_groups calls.
func SortGroupsDeterministic(groups []models.DuplicateGroup) {
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].PrimaryImageID < groups[j].PrimaryImageID
	})
}
