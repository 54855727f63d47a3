// Package pipeline wires extraction, deduplication and categorization into
// the import and receipt flows. Every call takes its inputs explicitly; a
// pending edit batch is a value the caller holds between Preview and Commit.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/kakeibo/internal/classifier"
	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/gcsuploader"
	"github.com/dvloznov/kakeibo/internal/institution"
	"github.com/dvloznov/kakeibo/internal/ledger"
	"github.com/dvloznov/kakeibo/internal/logger"
	"github.com/dvloznov/kakeibo/internal/master"
)

// ErrClassifierUnavailable is returned by receipt operations when no
// classifier is configured.
var ErrClassifierUnavailable = errors.New("receipt classifier not configured")

// ImportRequest is one uploaded export.
type ImportRequest struct {
	Institution string `json:"institution"`
	Member      string `json:"member"`
	Filename    string `json:"filename"`
	Data        []byte `json:"-"`
}

func (r ImportRequest) reader() io.Reader {
	return bytes.NewReader(r.Data)
}

// Batch is an extracted, not yet committed set of records. Callers may edit
// Records (typically Category2) before passing it to Commit.
type Batch struct {
	Institution string               `json:"institution"`
	Table       string               `json:"table"`
	Filename    string               `json:"filename"`
	Records     []domain.Transaction `json:"records"`
	Warnings    []string             `json:"warnings,omitempty"`
	Dropped     int                  `json:"dropped"`
	Source      []byte               `json:"-"`
}

// CommitResult reports a committed batch.
type CommitResult struct {
	ledger.BulkResult
	Institution string         `json:"institution"`
	Table       string         `json:"table"`
	Candidates  []master.Entry `json:"candidates,omitempty"`
	Archive     string         `json:"archive,omitempty"`
}

// FileResult is the per-file outcome of ImportFiles.
type FileResult struct {
	Filename string        `json:"filename"`
	Result   *CommitResult `json:"result,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Err      error         `json:"-"`
}

// Deps are the collaborators of a Service. Classifier and Archiver are
// optional.
type Deps struct {
	Registry   *institution.Registry
	Ledger     *ledger.Ledger
	Master     *master.Master
	Classifier classifier.Classifier
	Archiver   gcsuploader.Archiver
	Validator  *CategoryValidator
	Today      func() civil.Date
}

// Service runs the import and receipt flows.
type Service struct {
	registry   *institution.Registry
	ledger     *ledger.Ledger
	master     *master.Master
	classifier classifier.Classifier
	archiver   gcsuploader.Archiver
	validator  *CategoryValidator
	today      func() civil.Date
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	s := &Service{
		registry:   d.Registry,
		ledger:     d.Ledger,
		master:     d.Master,
		classifier: d.Classifier,
		archiver:   d.Archiver,
		validator:  d.Validator,
		today:      d.Today,
	}
	if s.registry == nil {
		s.registry = institution.Default()
	}
	if s.today == nil {
		s.today = func() civil.Date { return civil.DateOf(time.Now()) }
	}
	return s
}

// Registry returns the institution registry in use.
func (s *Service) Registry() *institution.Registry { return s.registry }

func (s *Service) previewSteps() []PipelineStep {
	return []PipelineStep{
		&ResolveSchemaStep{Registry: s.registry},
		&LoadMasterStep{Master: s.master},
		&ExtractStep{DefaultTable: s.ledger.DefaultTable(), Today: s.today},
	}
}

func (s *Service) commitSteps() []PipelineStep {
	return []PipelineStep{
		&AppendStep{Ledger: s.ledger},
		&LearnCandidatesStep{Master: s.master},
		&ArchiveSourceStep{Archiver: s.archiver},
	}
}

// Preview extracts an export into a batch without persisting anything.
func (s *Service) Preview(ctx context.Context, req ImportRequest) (*Batch, error) {
	state := &PipelineState{Request: req}
	if err := NewPipeline(s.previewSteps()...).Execute(ctx, state); err != nil {
		return nil, fmt.Errorf("Preview: %s: %w", req.Filename, err)
	}
	return state.Batch, nil
}

// Commit persists a batch, skipping records already stored, and returns
// master entries worth learning from it.
func (s *Service) Commit(ctx context.Context, b *Batch) (*CommitResult, error) {
	if b == nil {
		return nil, errors.New("Commit: nil batch")
	}
	state := &PipelineState{Batch: b}
	if err := NewPipeline(s.commitSteps()...).Execute(ctx, state); err != nil {
		return nil, fmt.Errorf("Commit: %s: %w", b.Filename, err)
	}
	return state.Result, nil
}

// Import previews and commits an export in one call.
func (s *Service) Import(ctx context.Context, req ImportRequest) (*Batch, *CommitResult, error) {
	state := &PipelineState{Request: req}
	steps := append(s.previewSteps(), s.commitSteps()...)
	if err := NewPipeline(steps...).Execute(ctx, state); err != nil {
		return state.Batch, nil, fmt.Errorf("Import: %s: %w", req.Filename, err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("institution", state.Batch.Institution).
		Str("filename", req.Filename).
		Int("accepted", state.Result.Accepted).
		Int("skipped", state.Result.Skipped).
		Int("dropped", state.Batch.Dropped).
		Msg("Import finished")
	return state.Batch, state.Result, nil
}

// ImportFiles imports each export independently; a failing file does not
// stop the others.
func (s *Service) ImportFiles(ctx context.Context, reqs []ImportRequest) []FileResult {
	log := logger.FromContext(ctx)
	out := make([]FileResult, 0, len(reqs))
	for _, req := range reqs {
		fr := FileResult{Filename: req.Filename}
		batch, res, err := s.Import(ctx, req)
		if batch != nil {
			fr.Warnings = batch.Warnings
		}
		if err != nil {
			log.Error().Err(err).Str("filename", req.Filename).Msg("Import failed")
			fr.Err = err
		} else {
			fr.Result = res
		}
		out = append(out, fr)
	}
	return out
}

// Learn adds the confirmed entries to the category master.
func (s *Service) Learn(ctx context.Context, entries []master.Entry) (int, error) {
	return s.master.Update(ctx, entries)
}
