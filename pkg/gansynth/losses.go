package gansynth

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// DiscriminatorHingeLoss returns mean(relu(1 - realLogits)) + mean(relu(1 + fakeLogits)).
func DiscriminatorHingeLoss(realLogits, fakeLogits *Node) *Node {
	realLoss := ReduceAllMean(activations.Relu(OneMinus(realLogits)))
	fakeLoss := ReduceAllMean(activations.Relu(AddScalar(fakeLogits, 1)))
	return Add(realLoss, fakeLoss)
}

// GeneratorHingeLoss returns -mean(fakeLogits).
func GeneratorHingeLoss(fakeLogits *Node) *Node {
	return Neg(ReduceAllMean(fakeLogits))
}
