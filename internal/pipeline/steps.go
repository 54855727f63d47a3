package pipeline

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/kakeibo/internal/extract"
	"github.com/dvloznov/kakeibo/internal/gcsuploader"
	"github.com/dvloznov/kakeibo/internal/institution"
	"github.com/dvloznov/kakeibo/internal/ledger"
	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/master"
)

// PipelineStep represents a single step of an import.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Request ImportRequest
	Schema  institution.Schema
	Mapping *master.Mapping
	Batch   *Batch
	Result  *CommitResult
}

// ResolveSchemaStep looks up the institution schema.
type ResolveSchemaStep struct {
	Registry *institution.Registry
}

func (s *ResolveSchemaStep) Execute(ctx context.Context, state *PipelineState) error {
	schema, err := s.Registry.Lookup(state.Request.Institution)
	if err != nil {
		return err
	}
	state.Schema = schema
	return nil
}

// LoadMasterStep loads the category master for suggestions.
type LoadMasterStep struct {
	Master *master.Master
}

func (s *LoadMasterStep) Execute(ctx context.Context, state *PipelineState) error {
	state.Mapping = s.Master.Load(ctx)
	return nil
}

// ExtractStep parses the export into an editable batch.
type ExtractStep struct {
	DefaultTable string
	Today        func() civil.Date
}

func (s *ExtractStep) Execute(ctx context.Context, state *PipelineState) error {
	req := state.Request
	e, err := extract.Extract(ctx, req.reader(), state.Schema, extract.Options{
		Member:   req.Member,
		Filename: req.Filename,
		Today:    s.Today(),
		Suggest:  master.Suggester(state.Mapping),
	})
	if err != nil {
		return err
	}

	records := e.Collect()
	if err := e.Err(); err != nil {
		return err
	}

	table := state.Schema.Table
	if table == "" {
		table = s.DefaultTable
	}
	state.Batch = &Batch{
		Institution: state.Schema.ID,
		Table:       table,
		Filename:    req.Filename,
		Records:     records,
		Warnings:    e.Warnings,
		Dropped:     e.Dropped(),
		Source:      req.Data,
	}
	return nil
}

// AppendStep persists the batch with duplicate detection.
type AppendStep struct {
	Ledger *ledger.Ledger
}

func (s *AppendStep) Execute(ctx context.Context, state *PipelineState) error {
	b := state.Batch
	res, err := s.Ledger.AppendBulk(ctx, b.Table, b.Records, b.Institution)
	if err != nil {
		return err
	}
	state.Result = &CommitResult{BulkResult: res, Table: b.Table, Institution: b.Institution}
	return nil
}

// LearnCandidatesStep proposes master entries from the committed batch.
type LearnCandidatesStep struct {
	Master *master.Master
}

func (s *LearnCandidatesStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.Mapping == nil {
		state.Mapping = s.Master.Load(ctx)
	}
	state.Result.Candidates = master.Candidates(state.Batch.Records, state.Mapping)
	return nil
}

// ArchiveSourceStep keeps a copy of the source file. Failures are logged,
// not returned, since the rows are already committed.
type ArchiveSourceStep struct {
	Archiver gcsuploader.Archiver
}

func (s *ArchiveSourceStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Archiver == nil || len(state.Batch.Source) == 0 {
		return nil
	}
	uri, err := s.Archiver.Archive(ctx, gcsuploader.KindStatement, state.Batch.Filename, state.Batch.Source)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("filename", state.Batch.Filename).Msg("Failed to archive source file")
		return nil
	}
	state.Result.Archive = uri
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}
