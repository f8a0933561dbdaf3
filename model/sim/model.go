// Copyright 2025 itemsim Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/chewxy/math32"
	"github.com/itemsim-io/itemsim/common/encoding"
	"github.com/itemsim-io/itemsim/common/log"
	"github.com/itemsim-io/itemsim/common/nn"
	"github.com/itemsim-io/itemsim/common/progress"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"modernc.org/mathutil"
)

const (
	defaultInitStdDev       = 0.005
	defaultReg              = 1e-4
	defaultPredictBatchSize = 1 << 14

	modelStructureName     = "feature_aggregation_similarity"
	embeddingStructureName = "feature_aggregation_embedding"
)

// Config holds the hyperparameters of a similarity model. InitStdDev and
// Reg fall back to defaults when left zero.
type Config struct {
	EmbeddingSize   int
	LearningRate    float32
	FeatureSize     int
	ItemSize        int
	MaxFeatureIndex int
	InitStdDev      float32
	Reg             float32
}

// FeatureAggregationSimilarity learns item-to-item similarity from feature
// bags. Items are embedded by averaging the embeddings of their features,
// similarity is the cosine of the two item vectors plus per-item biases,
// clipped to [-1, 1].
type FeatureAggregationSimilarity struct {
	config Config
	graph  *Graph
}

// NewFeatureAggregationSimilarity creates an untrained model.
func NewFeatureAggregationSimilarity(config Config) (*FeatureAggregationSimilarity, error) {
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.InitStdDev == 0 {
		config.InitStdDev = defaultInitStdDev
	}
	if config.Reg == 0 {
		config.Reg = defaultReg
	}
	graph, err := NewGraph(GraphConfig{
		FeatureSize:     config.FeatureSize,
		EmbeddingSize:   config.EmbeddingSize,
		ItemSize:        config.ItemSize,
		MaxFeatureIndex: config.MaxFeatureIndex,
	}, config.InitStdDev)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &FeatureAggregationSimilarity{config: config, graph: graph}, nil
}

// Config returns the hyperparameters of the model.
func (m *FeatureAggregationSimilarity) Config() Config {
	return m.config
}

type FitConfig struct {
	BatchSize    int
	Epochs       int
	TestSizeRate float32
	Patience     int
	Verbose      int
}

func NewFitConfig() *FitConfig {
	return &FitConfig{
		BatchSize:    256,
		Epochs:       20,
		TestSizeRate: 0.05,
		Patience:     2,
		Verbose:      1,
	}
}

func (config *FitConfig) SetBatchSize(batchSize int) *FitConfig {
	config.BatchSize = batchSize
	return config
}

func (config *FitConfig) SetEpochs(epochs int) *FitConfig {
	config.Epochs = epochs
	return config
}

func (config *FitConfig) SetTestSizeRate(rate float32) *FitConfig {
	config.TestSizeRate = rate
	return config
}

func (config *FitConfig) SetPatience(patience int) *FitConfig {
	config.Patience = patience
	return config
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

func (config *FitConfig) LoadDefaultIfNil() *FitConfig {
	if config == nil {
		return NewFitConfig()
	}
	return config
}

// Fit trains the model. The leading rows of data are held out for
// validation and the remaining rows are shuffled into batches. Training
// stops early when the validation loss has not improved for Patience
// epochs in a row.
func (m *FeatureAggregationSimilarity) Fit(ctx context.Context, data *Dataset, config *FitConfig) error {
	config = config.LoadDefaultIfNil()
	if m.config.LearningRate <= 0 {
		return errors.New("learning rate is not set, a restored model cannot be refitted")
	}
	if config.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if data.Count() == 0 {
		return errors.New("empty dataset")
	}
	if err := m.validate(data.XItemIndices, data.YItemIndices, data.XItemFeatures, data.YItemFeatures); err != nil {
		return errors.Trace(err)
	}

	testSize := int(float64(data.Count()) * float64(config.TestSizeRate))
	trainSet, testSet := data.split(testSize)
	log.Logger().Info("prepare data",
		zap.Int("train_size", trainSet.Count()),
		zap.Int("test_size", testSet.Count()),
		zap.Int("items", data.CountItems()),
		zap.Int("features", data.CountFeatures()))
	stepsPerEpoch := trainSet.Count()/config.BatchSize + 1
	validationSteps := testSet.Count()/config.BatchSize + 1
	if testSize == 0 {
		log.Logger().Warn("no validation data, early stopping is disabled",
			zap.Int("data_size", data.Count()),
			zap.Float32("test_size_rate", config.TestSizeRate))
	}

	optimizer := nn.NewAdam(m.graph.Parameters(), m.config.LearningRate)
	batches := newBatchSequence(trainSet.Count(), config.BatchSize, stepsPerEpoch/3+1)
	scores := make([]lo.Tuple2[int, float32], 0, config.Epochs)
	bestLoss := math32.Inf(1)
	wait := 0

	_, span := progress.Start(ctx, "FeatureAggregationSimilarity.Fit", config.Epochs*stepsPerEpoch)
	defer span.End()
	for epoch := 1; epoch <= config.Epochs; epoch++ {
		fitStart := time.Now()
		cost := float32(0)
		for step := 0; step < stepsPerEpoch; step++ {
			begin, end := batches.next()
			xIndex, yIndex, xFeature, yFeature, target := m.toTensors(trainSet, begin, end)
			prediction := m.graph.Forward(xIndex, yIndex, xFeature, yFeature)
			loss := nn.Add(nn.MeanSquareError(prediction, target),
				nn.Mul(nn.Sum(nn.Square(m.graph.embedding.W)), nn.NewScalar(m.config.Reg)))
			optimizer.ZeroGrad()
			loss.Backward()
			optimizer.Step()
			cost += loss.Data()[0]
			span.Add(1)
		}
		cost /= float32(stepsPerEpoch)
		if math32.IsNaN(cost) {
			return errors.Errorf("training diverged at epoch %d: loss is NaN", epoch)
		}
		fitTime := time.Since(fitStart)

		if testSize > 0 {
			score := m.evaluate(testSet, config.BatchSize, validationSteps)
			if math32.IsNaN(score.MSE) {
				return errors.Errorf("training diverged at epoch %d: validation loss is NaN", epoch)
			}
			scores = append(scores, lo.Tuple2[int, float32]{A: epoch, B: score.MSE})
			if epoch%config.Verbose == 0 || epoch == config.Epochs {
				fields := append([]zap.Field{
					zap.String("fit_time", fitTime.String()),
					zap.Float32("loss", cost),
				}, score.ZapFields()...)
				log.Logger().Info(fmt.Sprintf("fit FeatureAggregationSimilarity %v/%v", epoch, config.Epochs), fields...)
			}
			if score.MSE < bestLoss {
				bestLoss = score.MSE
				wait = 0
			} else {
				wait++
				if wait >= config.Patience {
					log.Logger().Info("early stopping",
						zap.Int("epoch", epoch),
						zap.Float32("best_validation_loss", bestLoss))
					break
				}
			}
		} else if epoch%config.Verbose == 0 || epoch == config.Epochs {
			log.Logger().Info(fmt.Sprintf("fit FeatureAggregationSimilarity %v/%v", epoch, config.Epochs),
				zap.String("fit_time", fitTime.String()),
				zap.Float32("loss", cost))
		}
	}
	if len(scores) > 0 {
		best := lo.MinBy(scores, func(a, b lo.Tuple2[int, float32]) bool { return a.B < b.B })
		log.Logger().Info("fit complete",
			zap.Int("best_epoch", best.A),
			zap.Float32("best_validation_loss", best.B))
	}
	return nil
}

// CalculateSimilarity scores item pairs in batches. A non-positive batch
// size falls back to the default prediction batch size.
func (m *FeatureAggregationSimilarity) CalculateSimilarity(
	xIndices, yIndices []int32, xFeatures, yFeatures [][]int32, batchSize int) ([]float32, error) {
	if err := m.validate(xIndices, yIndices, xFeatures, yFeatures); err != nil {
		return nil, errors.Trace(err)
	}
	if batchSize <= 0 {
		batchSize = defaultPredictBatchSize
	}
	d := &Dataset{
		XItemIndices:  xIndices,
		YItemIndices:  yIndices,
		XItemFeatures: xFeatures,
		YItemFeatures: yFeatures,
		Scores:        make([]float32, len(xIndices)),
	}
	similarities := make([]float32, 0, d.Count())
	for begin := 0; begin < d.Count(); begin += batchSize {
		end := mathutil.Min(begin+batchSize, d.Count())
		xIndex, yIndex, xFeature, yFeature, _ := m.toTensors(d, begin, end)
		prediction := m.graph.Forward(xIndex, yIndex, xFeature, yFeature)
		similarities = append(similarities, prediction.Data()...)
	}
	return similarities, nil
}

// CalculateEmbeddings aggregates feature bags into item vectors in batches.
func (m *FeatureAggregationSimilarity) CalculateEmbeddings(features [][]int32, batchSize int) ([][]float32, error) {
	for i, bag := range features {
		if len(bag) != m.config.FeatureSize {
			return nil, errors.Errorf("feature bag width mismatch at row %d: expected %d, got %d",
				i, m.config.FeatureSize, len(bag))
		}
		for _, index := range bag {
			if index < 0 || int(index) > m.config.MaxFeatureIndex {
				return nil, errors.Errorf("feature index %d out of range [0, %d] at row %d",
					index, m.config.MaxFeatureIndex, i)
			}
		}
	}
	if batchSize <= 0 {
		batchSize = defaultPredictBatchSize
	}
	embeddings := make([][]float32, 0, len(features))
	for begin := 0; begin < len(features); begin += batchSize {
		end := mathutil.Min(begin+batchSize, len(features))
		feature := nn.Zeros(end-begin, m.config.FeatureSize)
		for i := begin; i < end; i++ {
			for j, index := range features[i] {
				feature.Data()[(i-begin)*m.config.FeatureSize+j] = float32(index)
			}
		}
		vectors := m.graph.Embed(feature)
		for i := 0; i < end-begin; i++ {
			vector := make([]float32, m.config.EmbeddingSize)
			copy(vector, vectors.Data()[i*m.config.EmbeddingSize:(i+1)*m.config.EmbeddingSize])
			embeddings = append(embeddings, vector)
		}
	}
	return embeddings, nil
}

// validate checks column alignment, feature bag widths and index bounds
// against the dimensions of the graph.
func (m *FeatureAggregationSimilarity) validate(xIndices, yIndices []int32, xFeatures, yFeatures [][]int32) error {
	n := len(xIndices)
	if len(yIndices) != n || len(xFeatures) != n || len(yFeatures) != n {
		return errors.Errorf("misaligned columns: %d x indices, %d y indices, %d x features, %d y features",
			n, len(yIndices), len(xFeatures), len(yFeatures))
	}
	for i := 0; i < n; i++ {
		if len(xFeatures[i]) != m.config.FeatureSize || len(yFeatures[i]) != m.config.FeatureSize {
			return errors.Errorf("feature bag width mismatch at row %d: expected %d, got (%d, %d)",
				i, m.config.FeatureSize, len(xFeatures[i]), len(yFeatures[i]))
		}
		if xIndices[i] < 0 || int(xIndices[i]) > m.config.ItemSize {
			return errors.Errorf("item index %d out of range [0, %d] at row %d", xIndices[i], m.config.ItemSize, i)
		}
		if yIndices[i] < 0 || int(yIndices[i]) > m.config.ItemSize {
			return errors.Errorf("item index %d out of range [0, %d] at row %d", yIndices[i], m.config.ItemSize, i)
		}
		for _, bag := range [][]int32{xFeatures[i], yFeatures[i]} {
			for _, index := range bag {
				if index < 0 || int(index) > m.config.MaxFeatureIndex {
					return errors.Errorf("feature index %d out of range [0, %d] at row %d",
						index, m.config.MaxFeatureIndex, i)
				}
			}
		}
	}
	return nil
}

// toTensors assembles the batch [begin, end) into input and target tensors.
func (m *FeatureAggregationSimilarity) toTensors(d *Dataset, begin, end int) (xIndex, yIndex, xFeature, yFeature, target *nn.Tensor) {
	batchSize := end - begin
	featureSize := m.config.FeatureSize
	xIndex = nn.Zeros(batchSize, 1)
	yIndex = nn.Zeros(batchSize, 1)
	xFeature = nn.Zeros(batchSize, featureSize)
	yFeature = nn.Zeros(batchSize, featureSize)
	target = nn.Zeros(batchSize, 1)
	for i := begin; i < end; i++ {
		xIndex.Data()[i-begin] = float32(d.XItemIndices[i])
		yIndex.Data()[i-begin] = float32(d.YItemIndices[i])
		for j := 0; j < featureSize; j++ {
			xFeature.Data()[(i-begin)*featureSize+j] = float32(d.XItemFeatures[i][j])
			yFeature.Data()[(i-begin)*featureSize+j] = float32(d.YItemFeatures[i][j])
		}
		target.Data()[i-begin] = d.Scores[i]
	}
	return
}

// evaluate computes the validation loss over validation batches in order.
func (m *FeatureAggregationSimilarity) evaluate(testSet *Dataset, batchSize, steps int) Score {
	var sum float32
	var count int
	for step := 0; step < steps; step++ {
		begin := step * batchSize % mathutil.Max(testSet.Count(), 1)
		end := mathutil.Min(begin+batchSize, testSet.Count())
		if begin >= end {
			continue
		}
		xIndex, yIndex, xFeature, yFeature, target := m.toTensors(testSet, begin, end)
		prediction := m.graph.Forward(xIndex, yIndex, xFeature, yFeature)
		for i, p := range prediction.Data() {
			diff := p - target.Data()[i]
			sum += diff * diff
		}
		count += end - begin
	}
	if count == 0 {
		return Score{MSE: math32.NaN()}
	}
	return Score{MSE: sum / float32(count)}
}

// batchSequence yields batch bounds forever. Batches are drawn through a
// shuffle buffer, so their order differs between epochs.
type batchSequence struct {
	bounds []lo.Tuple2[int, int]
	buffer []lo.Tuple2[int, int]
	cursor int
}

func newBatchSequence(count, batchSize, bufferSize int) *batchSequence {
	s := &batchSequence{}
	for begin := 0; begin < count; begin += batchSize {
		s.bounds = append(s.bounds, lo.Tuple2[int, int]{A: begin, B: mathutil.Min(begin+batchSize, count)})
	}
	if len(s.bounds) == 0 {
		s.bounds = append(s.bounds, lo.Tuple2[int, int]{A: 0, B: count})
	}
	bufferSize = mathutil.Min(bufferSize, len(s.bounds))
	for i := 0; i < bufferSize; i++ {
		s.buffer = append(s.buffer, s.take())
	}
	return s
}

func (s *batchSequence) take() lo.Tuple2[int, int] {
	bounds := s.bounds[s.cursor%len(s.bounds)]
	s.cursor++
	return bounds
}

func (s *batchSequence) next() (begin, end int) {
	i := rand.Intn(len(s.buffer))
	bounds := s.buffer[i]
	s.buffer[i] = s.take()
	return bounds.A, bounds.B
}

// ModelState is the serializable snapshot of a model. It captures the
// structure descriptors and weights of the similarity graph and of the
// embedding sub-graph, nothing else.
type ModelState struct {
	FeatureSize        int
	ModelStructure     string
	ModelWeights       []nn.TensorState
	EmbeddingStructure string
	EmbeddingWeights   []nn.TensorState
}

type structureDescriptor struct {
	Name   string         `json:"name"`
	Config GraphConfig    `json:"config"`
	Layers []nn.LayerSpec `json:"layers"`
}

func (m *FeatureAggregationSimilarity) structure(name string, layers []nn.Layer) (string, error) {
	descriptor := structureDescriptor{Name: name, Config: m.graph.config}
	for _, layer := range layers {
		spec, err := nn.MarshalLayer(layer)
		if err != nil {
			return "", errors.Trace(err)
		}
		descriptor.Layers = append(descriptor.Layers, spec)
	}
	data, err := json.Marshal(descriptor)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(data), nil
}

// ExportState snapshots the model.
func (m *FeatureAggregationSimilarity) ExportState() (ModelState, error) {
	modelStructure, err := m.structure(modelStructureName, m.graph.Layers())
	if err != nil {
		return ModelState{}, errors.Trace(err)
	}
	embeddingStructure, err := m.structure(embeddingStructureName,
		[]nn.Layer{m.graph.embedding, m.graph.average})
	if err != nil {
		return ModelState{}, errors.Trace(err)
	}
	return ModelState{
		FeatureSize:        m.config.FeatureSize,
		ModelStructure:     modelStructure,
		ModelWeights:       []nn.TensorState{m.graph.embedding.W.State(), m.graph.biasEmbedding.W.State()},
		EmbeddingStructure: embeddingStructure,
		EmbeddingWeights:   []nn.TensorState{m.graph.embedding.W.State()},
	}, nil
}

// Marshal writes a snapshot of the model.
func (m *FeatureAggregationSimilarity) Marshal(w io.Writer) error {
	state, err := m.ExportState()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(encoding.WriteGob(w, state))
}

// ImportState restores a model from a snapshot. The similarity graph and
// the embedding sub-graph share the feature table, as they did before the
// snapshot was taken. The learning rate is not part of a snapshot, so a
// restored model scores and embeds but cannot be refitted.
func (m *FeatureAggregationSimilarity) ImportState(state ModelState) error {
	var descriptor structureDescriptor
	if err := json.Unmarshal([]byte(state.ModelStructure), &descriptor); err != nil {
		return errors.Trace(err)
	}
	if descriptor.Name != modelStructureName {
		return errors.Errorf("unexpected model structure %q", descriptor.Name)
	}
	if state.FeatureSize != descriptor.Config.FeatureSize {
		return errors.Errorf("feature size %d does not match structure %d",
			state.FeatureSize, descriptor.Config.FeatureSize)
	}
	layers := make([]nn.Layer, 0, len(descriptor.Layers))
	for _, spec := range descriptor.Layers {
		layer, err := nn.NewLayerFromSpec(spec)
		if err != nil {
			return errors.Trace(err)
		}
		layers = append(layers, layer)
	}
	graph, err := graphFromLayers(descriptor.Config, layers)
	if err != nil {
		return errors.Trace(err)
	}
	parameters := graph.Parameters()
	if len(state.ModelWeights) != len(parameters) {
		return errors.Errorf("expected %d weight tensors, got %d", len(parameters), len(state.ModelWeights))
	}
	for i, weights := range state.ModelWeights {
		if err := parameters[i].LoadState(weights); err != nil {
			return errors.Trace(err)
		}
	}

	var embeddingDescriptor structureDescriptor
	if err := json.Unmarshal([]byte(state.EmbeddingStructure), &embeddingDescriptor); err != nil {
		return errors.Trace(err)
	}
	if embeddingDescriptor.Name != embeddingStructureName {
		return errors.Errorf("unexpected embedding structure %q", embeddingDescriptor.Name)
	}
	if len(state.EmbeddingWeights) != 1 {
		return errors.Errorf("expected 1 embedding weight tensor, got %d", len(state.EmbeddingWeights))
	}
	if err := graph.embedding.W.LoadState(state.EmbeddingWeights[0]); err != nil {
		return errors.Trace(err)
	}

	m.config = Config{
		EmbeddingSize:   descriptor.Config.EmbeddingSize,
		FeatureSize:     descriptor.Config.FeatureSize,
		ItemSize:        descriptor.Config.ItemSize,
		MaxFeatureIndex: descriptor.Config.MaxFeatureIndex,
		InitStdDev:      defaultInitStdDev,
		Reg:             defaultReg,
	}
	m.graph = graph
	return nil
}

// Unmarshal restores a model from a snapshot stream.
func (m *FeatureAggregationSimilarity) Unmarshal(r io.Reader) error {
	var state ModelState
	if err := encoding.ReadGob(r, &state); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(m.ImportState(state))
}

const headerFeatureAggregationSimilarity = "FAS"

// MarshalModel writes a model snapshot with a format header.
func MarshalModel(w io.Writer, m *FeatureAggregationSimilarity) error {
	if err := encoding.WriteString(w, headerFeatureAggregationSimilarity); err != nil {
		return errors.Trace(err)
	}
	return m.Marshal(w)
}

// UnmarshalModel reads a model snapshot written by MarshalModel.
func UnmarshalModel(r io.Reader) (*FeatureAggregationSimilarity, error) {
	header, err := encoding.ReadString(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if header != headerFeatureAggregationSimilarity {
		return nil, errors.Errorf("unknown model header %q", header)
	}
	var m FeatureAggregationSimilarity
	if err := m.Unmarshal(r); err != nil {
		return nil, errors.Trace(err)
	}
	return &m, nil
}
