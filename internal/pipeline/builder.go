package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/deckwork/conveyor/internal/log"
	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

// Builder turns templates into atomic pipeline submissions.
type Builder struct {
	store             store.Storage
	defaultMaxRetries int
	logger            zerolog.Logger
}

// NewBuilder returns a builder writing through the given store.
// defaultMaxRetries applies to task specs that do not set their own budget.
func NewBuilder(s store.Storage, defaultMaxRetries int) *Builder {
	return &Builder{
		store:             s,
		defaultMaxRetries: defaultMaxRetries,
		logger:            log.WithComponent("pipeline"),
	}
}

// Submission carries the per-document inputs for instantiating a template.
type Submission struct {
	SubjectRef string
	Priority   int
	// Payloads maps kind to the payload handed to that task's handler.
	// Kinds without an entry get an empty payload.
	Payloads map[string][]byte
}

// Submit instantiates tmpl for one subject and writes the whole DAG in a
// single store transaction. Kind references become index edges; a template
// that validated clean can still be rejected by the store (payload bound).
func (b *Builder) Submit(ctx context.Context, tmpl *Template, sub Submission) (*types.SubmitReceipt, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(tmpl.Tasks))
	batch := &types.PipelineBatch{Tasks: make([]types.TaskDraft, len(tmpl.Tasks))}
	for i, spec := range tmpl.Tasks {
		index[spec.Kind] = i
		weight := spec.Weight
		if weight == 0 {
			weight = 1
		}
		maxRetries := b.defaultMaxRetries
		if spec.MaxRetries != nil {
			maxRetries = *spec.MaxRetries
		}
		batch.Tasks[i] = types.TaskDraft{
			Kind:       spec.Kind,
			SubjectRef: sub.SubjectRef,
			Priority:   sub.Priority,
			MaxRetries: maxRetries,
			Weight:     weight,
			Payload:    sub.Payloads[spec.Kind],
		}
	}
	for i, spec := range tmpl.Tasks {
		for _, dep := range spec.DependsOn {
			batch.Edges = append(batch.Edges, [2]int{index[dep], i})
		}
	}

	rcpt, err := b.store.SubmitPipeline(ctx, batch)
	if err != nil {
		return nil, err
	}
	b.logger.Info().
		Str("template", tmpl.Name).
		Str("subject", sub.SubjectRef).
		Int64("pipeline_id", rcpt.PipelineID).
		Int("tasks", len(rcpt.TaskIDs)).
		Msg("pipeline submitted")
	return rcpt, nil
}
