package ml

import (
	"errors"
	"sort"
)

// RegressionTree is a CART regression tree stored as a flat node slice. Node 0 is
// the root; children are referenced by absolute index.
type RegressionTree struct {
	MaxDepth int        `json:"max_depth"`
	Nodes    []TreeNode `json:"nodes"`
}

type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Value      float64 `json:"value"`
	IsLeaf     bool    `json:"is_leaf"`
}

func NewRegressionTree(maxDepth int) *RegressionTree {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &RegressionTree{MaxDepth: maxDepth}
}

// Fit grows the tree on every row of features.
func (t *RegressionTree) Fit(features [][]float64, targets []float64) error {
	if err := checkTrainingSet(features, targets); err != nil {
		return err
	}
	rows := make([]int, len(features))
	for i := range rows {
		rows[i] = i
	}
	t.fitSorted(features, targets, argsortColumns(features, rows), nil)
	return nil
}

func (t *RegressionTree) Predict(features []float64) (float64, error) {
	if len(t.Nodes) == 0 {
		return 0, ErrModelNotTrained
	}
	idx := 0
	for {
		node := t.Nodes[idx]
		if node.IsLeaf {
			return node.Value, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return 0, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx <= 0 || idx >= len(t.Nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
}

// fitSorted grows the tree from per-feature row orderings. sorted[f] lists the
// training rows ordered by feature f; rows may repeat (bootstrap samples).
// Impurity decreases are accumulated into importances when it is non-nil.
func (t *RegressionTree) fitSorted(features [][]float64, targets []float64, sorted [][]int, importances []float64) {
	b := &treeBuilder{
		features:    features,
		targets:     targets,
		maxDepth:    t.MaxDepth,
		goesLeft:    make([]bool, len(features)),
		importances: importances,
	}
	b.build(sorted, 0)
	t.Nodes = b.nodes
}

type treeBuilder struct {
	features    [][]float64
	targets     []float64
	maxDepth    int
	goesLeft    []bool
	importances []float64
	nodes       []TreeNode
}

func (b *treeBuilder) build(sorted [][]int, depth int) int {
	rows := sorted[0]
	n := float64(len(rows))
	var sum, sumSq float64
	for _, row := range rows {
		y := b.targets[row]
		sum += y
		sumSq += y * y
	}

	idx := len(b.nodes)
	b.nodes = append(b.nodes, leafNode(sum/n))

	if depth >= b.maxDepth || len(rows) < 2 {
		return idx
	}
	parentSSE := sumSq - sum*sum/n
	if parentSSE <= 1e-12 {
		return idx
	}

	split, ok := b.bestSplit(sorted, sum)
	if !ok {
		return idx
	}

	for _, row := range rows {
		b.goesLeft[row] = b.features[row][split.feature] <= split.threshold
	}
	left := make([][]int, len(sorted))
	right := make([][]int, len(sorted))
	for f, order := range sorted {
		l := make([]int, 0, split.leftCount)
		r := make([]int, 0, len(order)-split.leftCount)
		for _, row := range order {
			if b.goesLeft[row] {
				l = append(l, row)
			} else {
				r = append(r, row)
			}
		}
		left[f] = l
		right[f] = r
	}

	if b.importances != nil {
		b.importances[split.feature] += parentSSE - split.childSSE(sumSq)
	}

	leftIdx := b.build(left, depth+1)
	rightIdx := b.build(right, depth+1)
	b.nodes[idx] = TreeNode{
		FeatureIdx: split.feature,
		Threshold:  split.threshold,
		LeftChild:  leftIdx,
		RightChild: rightIdx,
		Value:      sum / n,
		IsLeaf:     false,
	}
	return idx
}

type candidateSplit struct {
	feature   int
	threshold float64
	leftCount int
	leftSum   float64
	rightSum  float64
	score     float64
}

// childSSE returns the summed squared error of both children given the parent's
// sum of squared targets.
func (s candidateSplit) childSSE(sumSq float64) float64 {
	return sumSq - s.score
}

// bestSplit maximises sumL²/nL + sumR²/nR, which is the same as minimising the
// children's squared error.
func (b *treeBuilder) bestSplit(sorted [][]int, total float64) (candidateSplit, bool) {
	best := candidateSplit{feature: -1}
	n := len(sorted[0])
	for f, order := range sorted {
		var leftSum float64
		for i := 0; i < n-1; i++ {
			row := order[i]
			leftSum += b.targets[row]
			current := b.features[row][f]
			next := b.features[order[i+1]][f]
			if next <= current {
				continue
			}
			nl := float64(i + 1)
			nr := float64(n - i - 1)
			rightSum := total - leftSum
			score := leftSum*leftSum/nl + rightSum*rightSum/nr
			if best.feature == -1 || score > best.score {
				threshold := (current + next) / 2
				if threshold >= next {
					threshold = current
				}
				best = candidateSplit{
					feature:   f,
					threshold: threshold,
					leftCount: i + 1,
					leftSum:   leftSum,
					rightSum:  rightSum,
					score:     score,
				}
			}
		}
	}
	return best, best.feature != -1
}

func leafNode(value float64) TreeNode {
	return TreeNode{
		FeatureIdx: -1,
		Threshold:  0,
		LeftChild:  -1,
		RightChild: -1,
		Value:      value,
		IsLeaf:     true,
	}
}

// argsortColumns returns, for every feature column, rows ordered by that column.
func argsortColumns(features [][]float64, rows []int) [][]int {
	width := len(features[0])
	sorted := make([][]int, width)
	for f := 0; f < width; f++ {
		order := append([]int(nil), rows...)
		sort.SliceStable(order, func(i, j int) bool {
			return features[order[i]][f] < features[order[j]][f]
		})
		sorted[f] = order
	}
	return sorted
}

func checkTrainingSet(features [][]float64, targets []float64) error {
	if len(features) == 0 || len(targets) == 0 {
		return errors.New("features or targets empty")
	}
	if len(features) != len(targets) {
		return errors.New("features and targets size mismatch")
	}
	width := len(features[0])
	if width == 0 {
		return errors.New("features have no columns")
	}
	for _, row := range features {
		if len(row) != width {
			return errors.New("ragged feature matrix")
		}
	}
	return nil
}
