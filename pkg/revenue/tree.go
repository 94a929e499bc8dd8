package revenue

import "sort"

// TreeNode is one node of a CART regression tree. Leaves carry Feature == -1
// and a Value. Fields are exported so forests survive gob snapshot round
// trips.
type TreeNode struct {
	Feature   int
	Threshold float64
	Left      *TreeNode
	Right     *TreeNode
	Value     float64
}

// treeBuilder grows a single regression tree by recursive variance-reduction
// splitting. Split gains accumulate into the shared importance vector.
type treeBuilder struct {
	maxDepth        int
	minSamplesSplit int
	importances     []float64
}

func (b *treeBuilder) build(xs [][]float64, ys []float64, depth int) *TreeNode {
	if depth >= b.maxDepth || len(ys) < b.minSamplesSplit {
		return leaf(ys)
	}

	feature, threshold, gain, ok := b.bestSplit(xs, ys)
	if !ok {
		return leaf(ys)
	}

	leftX, leftY, rightX, rightY := partition(xs, ys, feature, threshold)
	if len(leftY) == 0 || len(rightY) == 0 {
		return leaf(ys)
	}

	b.importances[feature] += gain

	return &TreeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      b.build(leftX, leftY, depth+1),
		Right:     b.build(rightX, rightY, depth+1),
	}
}

// bestSplit scans every feature with a sorted sweep and returns the split
// with the largest reduction in sum of squared errors.
func (b *treeBuilder) bestSplit(xs [][]float64, ys []float64) (int, float64, float64, bool) {
	n := len(ys)
	parentSSE := sumSquaredError(ys)
	if parentSSE <= 0 {
		return 0, 0, 0, false
	}

	var (
		bestFeature   int
		bestThreshold float64
		bestGain      float64
		found         bool
	)

	var sumTotal, sqTotal float64
	for _, y := range ys {
		sumTotal += y
		sqTotal += y * y
	}

	order := make([]int, n)
	numFeatures := len(xs[0])

	for f := 0; f < numFeatures; f++ {
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(i, j int) bool { return xs[order[i]][f] < xs[order[j]][f] })

		var sumLeft, sqLeft float64
		for k := 0; k < n-1; k++ {
			y := ys[order[k]]
			sumLeft += y
			sqLeft += y * y

			// No valid threshold between equal feature values
			if xs[order[k]][f] == xs[order[k+1]][f] {
				continue
			}

			nL := float64(k + 1)
			nR := float64(n - k - 1)
			sseLeft := sqLeft - sumLeft*sumLeft/nL
			sumRight := sumTotal - sumLeft
			sqRight := sqTotal - sqLeft
			sseRight := sqRight - sumRight*sumRight/nR

			gain := parentSSE - sseLeft - sseRight
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (xs[order[k]][f] + xs[order[k+1]][f]) / 2
				found = true
			}
		}
	}

	return bestFeature, bestThreshold, bestGain, found
}

func partition(xs [][]float64, ys []float64, feature int, threshold float64) ([][]float64, []float64, [][]float64, []float64) {
	var leftX, rightX [][]float64
	var leftY, rightY []float64

	for i, x := range xs {
		if x[feature] <= threshold {
			leftX = append(leftX, x)
			leftY = append(leftY, ys[i])
		} else {
			rightX = append(rightX, x)
			rightY = append(rightY, ys[i])
		}
	}
	return leftX, leftY, rightX, rightY
}

func leaf(ys []float64) *TreeNode {
	return &TreeNode{Feature: -1, Value: mean(ys)}
}

func predictTree(node *TreeNode, x []float64) float64 {
	for node.Feature >= 0 {
		if x[node.Feature] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node.Value
}

func mean(ys []float64) float64 {
	if len(ys) == 0 {
		return 0
	}
	var sum float64
	for _, y := range ys {
		sum += y
	}
	return sum / float64(len(ys))
}

// sumSquaredError returns the total squared deviation from the mean. The
// result is floored at zero to absorb floating-point cancellation on
// constant inputs.
func sumSquaredError(ys []float64) float64 {
	if len(ys) == 0 {
		return 0
	}
	var sum, sq float64
	for _, y := range ys {
		sum += y
		sq += y * y
	}
	sse := sq - sum*sum/float64(len(ys))
	if sse < 0 {
		return 0
	}
	return sse
}
