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

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/itemsim-io/itemsim/common/log"
	"github.com/itemsim-io/itemsim/common/util"
	"github.com/itemsim-io/itemsim/model/sim"
	"github.com/juju/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCommand = &cobra.Command{
	Use:   "itemsim",
	Short: "Train and apply feature aggregation similarity models.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Root().PersistentFlags().GetBool("debug")
		log.SetLogger(cmd.Root().PersistentFlags(), debug)
	},
}

var trainCommand = &cobra.Command{
	Use:   "train TRAIN_FILE MODEL_FILE",
	Short: "Train a similarity model from a TSV file of labelled item pairs.",
	Long: "Train a similarity model from a TSV file of labelled item pairs.\n\n" +
		"Each line holds five tab separated fields: the two item indices, the two\n" +
		"comma separated feature bags and the similarity score. Feature bags are\n" +
		"padded with index 0 to a uniform width.",
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := readPairs(args[0])
		if err != nil {
			log.Logger().Fatal("failed to read training data", zap.Error(err))
		}
		log.Logger().Info("training data loaded",
			zap.Int("pairs", data.Count()),
			zap.Int("items", data.CountItems()),
			zap.Int("features", data.CountFeatures()),
			zap.Int("feature_size", data.FeatureSize()))

		embeddingSize, _ := cmd.Flags().GetInt("embedding-size")
		learningRate, _ := cmd.Flags().GetFloat32("learning-rate")
		itemSize, _ := cmd.Flags().GetInt("item-size")
		maxFeatureIndex, _ := cmd.Flags().GetInt("max-feature-index")
		if itemSize == 0 {
			itemSize = maxIndex(data.XItemIndices, data.YItemIndices)
		}
		if maxFeatureIndex == 0 {
			maxFeatureIndex = maxFeature(data.XItemFeatures, data.YItemFeatures)
		}
		m, err := sim.NewFeatureAggregationSimilarity(sim.Config{
			EmbeddingSize:   embeddingSize,
			LearningRate:    learningRate,
			FeatureSize:     data.FeatureSize(),
			ItemSize:        itemSize,
			MaxFeatureIndex: maxFeatureIndex,
		})
		if err != nil {
			log.Logger().Fatal("failed to create model", zap.Error(err))
		}

		batchSize, _ := cmd.Flags().GetInt("batch-size")
		epochs, _ := cmd.Flags().GetInt("epochs")
		testSizeRate, _ := cmd.Flags().GetFloat32("test-size-rate")
		patience, _ := cmd.Flags().GetInt("patience")
		if err := m.Fit(context.Background(), data, sim.NewFitConfig().
			SetBatchSize(batchSize).
			SetEpochs(epochs).
			SetTestSizeRate(testSizeRate).
			SetPatience(patience)); err != nil {
			log.Logger().Fatal("failed to fit model", zap.Error(err))
		}

		output, err := os.Create(args[1])
		if err != nil {
			log.Logger().Fatal("failed to create model file", zap.Error(err))
		}
		defer output.Close()
		if err := sim.MarshalModel(output, m); err != nil {
			log.Logger().Fatal("failed to save model", zap.Error(err))
		}
		log.Logger().Info("model saved", zap.String("path", args[1]))
	},
}

var embedCommand = &cobra.Command{
	Use:   "embed MODEL_FILE FEATURE_FILE OUTPUT_FILE",
	Short: "Aggregate feature bags into item vectors with a trained model.",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		input, err := os.Open(args[0])
		if err != nil {
			log.Logger().Fatal("failed to open model file", zap.Error(err))
		}
		defer input.Close()
		m, err := sim.UnmarshalModel(input)
		if err != nil {
			log.Logger().Fatal("failed to load model", zap.Error(err))
		}

		features, err := readBags(args[1], m.Config().FeatureSize)
		if err != nil {
			log.Logger().Fatal("failed to read feature bags", zap.Error(err))
		}
		embeddings, err := m.CalculateEmbeddings(features, 0)
		if err != nil {
			log.Logger().Fatal("failed to calculate embeddings", zap.Error(err))
		}

		output, err := os.Create(args[2])
		if err != nil {
			log.Logger().Fatal("failed to create output file", zap.Error(err))
		}
		defer output.Close()
		writer := bufio.NewWriter(output)
		bar := progressbar.Default(int64(len(embeddings)), "Writing embeddings")
		for _, embedding := range embeddings {
			fields := make([]string, len(embedding))
			for i, v := range embedding {
				fields[i] = fmt.Sprint(v)
			}
			if _, err := writer.WriteString(strings.Join(fields, "\t") + "\n"); err != nil {
				log.Logger().Fatal("failed to write embeddings", zap.Error(err))
			}
			_ = bar.Add(1)
		}
		if err := writer.Flush(); err != nil {
			log.Logger().Fatal("failed to write embeddings", zap.Error(err))
		}
	},
}

// readPairs parses a TSV file of labelled item pairs.
func readPairs(path string) (*sim.Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer file.Close()
	var (
		xIndices, yIndices   []int32
		xFeatures, yFeatures [][]int32
		scores               []float32
	)
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 5 {
			return nil, errors.Errorf("expected 5 fields on line %d, got %d", line, len(fields))
		}
		xIndex, err := util.ParseInt[int32](fields[0])
		if err != nil {
			return nil, errors.Annotatef(err, "line %d", line)
		}
		yIndex, err := util.ParseInt[int32](fields[1])
		if err != nil {
			return nil, errors.Annotatef(err, "line %d", line)
		}
		xBag, err := parseBag(fields[2])
		if err != nil {
			return nil, errors.Annotatef(err, "line %d", line)
		}
		yBag, err := parseBag(fields[3])
		if err != nil {
			return nil, errors.Annotatef(err, "line %d", line)
		}
		score, err := util.ParseFloat[float32](fields[4])
		if err != nil {
			return nil, errors.Annotatef(err, "line %d", line)
		}
		xIndices = append(xIndices, xIndex)
		yIndices = append(yIndices, yIndex)
		xFeatures = append(xFeatures, xBag)
		yFeatures = append(yFeatures, yBag)
		scores = append(scores, score)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	padBags(xFeatures, yFeatures)
	return sim.NewDataset(xIndices, yIndices, xFeatures, yFeatures, scores)
}

// readBags parses a TSV file of feature bags, one bag per line, padded to
// the given width.
func readBags(path string, width int) ([][]int32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer file.Close()
	var bags [][]int32
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		bag, err := parseBag(scanner.Text())
		if err != nil {
			return nil, errors.Annotatef(err, "line %d", line)
		}
		if len(bag) > width {
			return nil, errors.Errorf("feature bag on line %d is wider than the model (%d > %d)",
				line, len(bag), width)
		}
		for len(bag) < width {
			bag = append(bag, 0)
		}
		bags = append(bags, bag)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return bags, nil
}

func parseBag(s string) ([]int32, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	bag := make([]int32, 0, len(fields))
	for _, field := range fields {
		index, err := util.ParseInt[int32](field)
		if err != nil {
			return nil, errors.Trace(err)
		}
		bag = append(bag, index)
	}
	return bag, nil
}

// padBags pads every bag with index 0 to the widest bag.
func padBags(columns ...[][]int32) {
	width := 0
	for _, bags := range columns {
		for _, bag := range bags {
			if len(bag) > width {
				width = len(bag)
			}
		}
	}
	for _, bags := range columns {
		for i, bag := range bags {
			for len(bag) < width {
				bag = append(bag, 0)
			}
			bags[i] = bag
		}
	}
}

func maxIndex(columns ...[]int32) int {
	m := 0
	for _, indices := range columns {
		for _, index := range indices {
			if int(index) > m {
				m = int(index)
			}
		}
	}
	return m
}

func maxFeature(columns ...[][]int32) int {
	m := 0
	for _, bags := range columns {
		for _, bag := range bags {
			for _, index := range bag {
				if int(index) > m {
					m = int(index)
				}
			}
		}
	}
	return m
}

func init() {
	rootCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	log.AddFlags(rootCommand.PersistentFlags())
	trainCommand.Flags().Int("embedding-size", 32, "size of item embeddings")
	trainCommand.Flags().Float32("learning-rate", 0.001, "learning rate")
	trainCommand.Flags().Int("item-size", 0, "largest item index (derived from data when 0)")
	trainCommand.Flags().Int("max-feature-index", 0, "largest feature index (derived from data when 0)")
	trainCommand.Flags().Int("batch-size", 256, "size of training batches")
	trainCommand.Flags().Int("epochs", 20, "number of training epochs")
	trainCommand.Flags().Float32("test-size-rate", 0.05, "fraction of rows held out for validation")
	trainCommand.Flags().Int("patience", 2, "epochs without improvement before early stopping")
	rootCommand.AddCommand(trainCommand)
	rootCommand.AddCommand(embedCommand)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute command", zap.Error(err))
	}
}
