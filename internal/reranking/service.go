// Package reranking scores query/document pairs with a cross-encoder
// model served through ONNX Runtime. The retrieval engine treats the
// scores as ordering hints only.
package reranking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// MaxSequenceLength caps the combined query+document token length.
	MaxSequenceLength = 512
)

// Config points at the model files on disk. The model is optional
// infrastructure; with no paths configured the caller runs without a
// reranker.
type Config struct {
	ModelPath     string // ONNX cross-encoder, e.g. ms-marco-MiniLM-L6-v2
	TokenizerPath string // matching tokenizer.json
	SharedLibPath string // onnxruntime shared library, empty for the system default
}

// Service holds one loaded cross-encoder session. Rerank is safe for
// concurrent use; the session itself is serialized.
type Service struct {
	tk      *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
}

// NewService loads the tokenizer and model and prepares the inference
// session.
func NewService(cfg Config) (*Service, error) {
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, errors.New("reranking: model and tokenizer paths are required")
	}

	if cfg.SharedLibPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}

	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load cross-encoder tokenizer: %w", err)
	}
	tk.WithTruncation(&tokenizer.TruncationParams{
		MaxLength: MaxSequenceLength,
		Strategy:  tokenizer.LongestFirst,
		Stride:    0,
	})

	// Cross-encoders emit a single relevance logit per pair.
	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create cross-encoder session: %w", err)
	}

	return &Service{tk: tk, session: session}, nil
}

// Rerank scores each document against the query, returning one
// sigmoid-normalized relevance per document in input order.
func (s *Service) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logits, err := s.scoreAll(query, docs)
	if err != nil {
		return nil, fmt.Errorf("score pairs: %w", err)
	}
	scores := make([]float64, len(logits))
	for i, logit := range logits {
		scores[i] = sigmoid(logit)
	}
	return scores, nil
}

// scoreAll runs one batched inference over all query/document pairs
// and returns the raw logits.
func (s *Service) scoreAll(query string, docs []string) ([]float64, error) {
	pairs := make([]tokenizer.EncodeInput, len(docs))
	for i, doc := range docs {
		pairs[i] = tokenizer.NewDualEncodeInput(
			tokenizer.NewInputSequence(query),
			tokenizer.NewInputSequence(doc),
		)
	}
	encodings, err := s.tk.EncodeBatch(pairs, true)
	if err != nil {
		return nil, fmt.Errorf("tokenize pairs: %w", err)
	}

	batchSize := len(docs)
	seqLength := 0
	for _, enc := range encodings {
		if len(enc.Ids) > seqLength {
			seqLength = len(enc.Ids)
		}
	}
	if seqLength > MaxSequenceLength {
		seqLength = MaxSequenceLength
	}

	inputShape := ort.NewShape(int64(batchSize), int64(seqLength))
	inputIds := make([]int64, batchSize*seqLength)
	attentionMask := make([]int64, batchSize*seqLength)
	tokenTypeIds := make([]int64, batchSize*seqLength)

	for b, enc := range encodings {
		fill(inputIds[b*seqLength:(b+1)*seqLength], enc.Ids)
		fill(attentionMask[b*seqLength:(b+1)*seqLength], enc.AttentionMask)
		fill(tokenTypeIds[b*seqLength:(b+1)*seqLength], enc.TypeIds)
	}

	inputIdsTensor, err := ort.NewTensor(inputShape, inputIds)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer inputIdsTensor.Destroy()

	attentionTensor, err := ort.NewTensor(inputShape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer attentionTensor.Destroy()

	typeTensor, err := ort.NewTensor(inputShape, tokenTypeIds)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batchSize), 1))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	inputs := []ort.Value{inputIdsTensor, attentionTensor, typeTensor}
	outputs := []ort.Value{outputTensor}
	if err := s.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("run cross-encoder inference: %w", err)
	}

	flat := outputTensor.GetData()
	logits := make([]float64, batchSize)
	for i := range logits {
		logits[i] = float64(flat[i])
	}
	return logits, nil
}

// fill copies src into dst truncating to len(dst).
func fill(dst []int64, src []int) {
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int64(src[i])
	}
}

// Close releases the inference session.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			return fmt.Errorf("destroy cross-encoder session: %w", err)
		}
		s.session = nil
	}
	return nil
}

func sigmoid(x float64) float64 {
	if x > 20 {
		return 1.0
	}
	if x < -20 {
		return 0.0
	}
	return 1.0 / (1.0 + math.Exp(-x))
}
