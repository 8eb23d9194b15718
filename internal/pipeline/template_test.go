package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/store/memory"
	"github.com/deckwork/conveyor/internal/types"
)

const deckTemplates = `
templates:
  deck_analysis:
    tasks:
      - kind: visual_analysis
        weight: 2
      - kind: slide_feedback
        weight: 1
      - kind: extractions_and_template
        weight: 3
        depends_on: [visual_analysis]
      - kind: specialized_clinical
        depends_on: [extractions_and_template]
      - kind: specialized_regulatory
        depends_on: [extractions_and_template]
      - kind: specialized_science
        max_retries: 5
        depends_on: [extractions_and_template]
`

func TestParseLibrary(t *testing.T) {
	lib, err := ParseLibrary([]byte(deckTemplates))
	require.NoError(t, err)

	tmpl, err := lib.Get("deck_analysis")
	require.NoError(t, err)
	assert.Equal(t, "deck_analysis", tmpl.Name)
	assert.Len(t, tmpl.Tasks, 6)

	_, err = lib.Get("nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name  string
		tasks []TaskSpec
		want  string
	}{
		{"empty", nil, "no tasks"},
		{"missing kind", []TaskSpec{{Kind: ""}}, "no kind"},
		{"duplicate kind", []TaskSpec{{Kind: "a"}, {Kind: "a"}}, "duplicate kind"},
		{"negative weight", []TaskSpec{{Kind: "a", Weight: -1}}, "negative weight"},
		{"self dependency", []TaskSpec{{Kind: "a", DependsOn: []string{"a"}}}, "depends on itself"},
		{"undefined upstream", []TaskSpec{{Kind: "a", DependsOn: []string{"ghost"}}}, "undefined kind"},
		{"two-cycle", []TaskSpec{
			{Kind: "a", DependsOn: []string{"b"}},
			{Kind: "b", DependsOn: []string{"a"}},
		}, "cycle"},
		{"long cycle", []TaskSpec{
			{Kind: "a", DependsOn: []string{"c"}},
			{Kind: "b", DependsOn: []string{"a"}},
			{Kind: "c", DependsOn: []string{"b"}},
			{Kind: "d"},
		}, "cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Template{Name: tt.name, Tasks: tt.tasks}).Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, store.ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTemplateValidateDiamond(t *testing.T) {
	tmpl := &Template{Name: "diamond", Tasks: []TaskSpec{
		{Kind: "a"},
		{Kind: "b", DependsOn: []string{"a"}},
		{Kind: "c", DependsOn: []string{"a"}},
		{Kind: "d", DependsOn: []string{"b", "c"}},
	}}
	assert.NoError(t, tmpl.Validate())
}

func TestBuilderSubmit(t *testing.T) {
	lib, err := ParseLibrary([]byte(deckTemplates))
	require.NoError(t, err)
	tmpl, err := lib.Get("deck_analysis")
	require.NoError(t, err)

	s := memory.New()
	b := NewBuilder(s, 3)
	ctx := context.Background()

	rcpt, err := b.Submit(ctx, tmpl, Submission{
		SubjectRef: "doc-42",
		Priority:   5,
		Payloads:   map[string][]byte{"visual_analysis": []byte(`{"pages":12}`)},
	})
	require.NoError(t, err)
	require.Len(t, rcpt.TaskIDs, 6)

	tasks, err := s.PipelineTasks(ctx, rcpt.PipelineID)
	require.NoError(t, err)
	byKind := make(map[string]*types.Task, len(tasks))
	for _, task := range tasks {
		byKind[task.Kind] = task
		assert.Equal(t, "doc-42", task.SubjectRef)
		assert.Equal(t, 5, task.Priority)
		assert.Equal(t, types.StatusQueued, task.Status)
	}

	assert.Equal(t, 2, byKind["visual_analysis"].Weight)
	assert.Equal(t, 1, byKind["specialized_clinical"].Weight, "unset weight defaults to 1")
	assert.Equal(t, 3, byKind["specialized_clinical"].MaxRetries, "builder default")
	assert.Equal(t, 5, byKind["specialized_science"].MaxRetries, "spec override")
	assert.Equal(t, []byte(`{"pages":12}`), byKind["visual_analysis"].Payload)
	assert.Empty(t, byKind["slide_feedback"].Payload)

	// Only the root tasks are runnable until extraction completes.
	caps := []string{"visual_analysis", "slide_feedback", "extractions_and_template",
		"specialized_clinical", "specialized_regulatory", "specialized_science"}
	first, err := s.ClaimNext(ctx, "w1", caps, 0)
	require.NoError(t, err)
	second, err := s.ClaimNext(ctx, "w1", caps, 0)
	require.NoError(t, err)
	kinds := []string{first.Kind, second.Kind}
	assert.ElementsMatch(t, []string{"visual_analysis", "slide_feedback"}, kinds)
	_, err = s.ClaimNext(ctx, "w1", caps, 0)
	assert.ErrorIs(t, err, store.ErrNoTask)
}

func TestBuilderRejectsInvalidTemplateAtomically(t *testing.T) {
	s := memory.New()
	b := NewBuilder(s, 3)

	bad := &Template{Name: "bad", Tasks: []TaskSpec{
		{Kind: "a", DependsOn: []string{"b"}},
		{Kind: "b", DependsOn: []string{"a"}},
	}}
	_, err := b.Submit(context.Background(), bad, Submission{SubjectRef: "doc-1"})
	assert.ErrorIs(t, err, store.ErrInvalid)

	stats, err := s.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats.ByStatus, "rejected submission writes nothing")
}
