package pipeline

import (
	"context"

	"github.com/dvloznov/kakeibo/internal/jobs"
)

// HandleImportJob runs a queued import and records its outcome on the job.
func (s *Service) HandleImportJob(ctx context.Context, job *jobs.ImportJob) error {
	batch, res, err := s.Import(ctx, ImportRequest{
		Institution: job.Institution,
		Member:      job.Member,
		Filename:    job.Filename,
		Data:        job.Data,
	})
	if batch != nil {
		job.Table = batch.Table
		job.Dropped = batch.Dropped
		job.Warnings = batch.Warnings
	}
	if err != nil {
		return err
	}
	job.Accepted = res.Accepted
	job.Skipped = res.Skipped
	return nil
}
