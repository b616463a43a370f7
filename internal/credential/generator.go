package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gradaccess/internal/metrics"
	"gradaccess/internal/model"
)

// Store is the persistence the generator needs.
type Store interface {
	ListStudentsMissingCredential(ctx context.Context) ([]model.Student, error)
	SaveCredentials(ctx context.Context, creds []model.IssuedCredential) error
	RotateCredential(ctx context.Context, cred model.IssuedCredential) error
}

// Failure names one student whose credential could not be issued.
type Failure struct {
	StudentID int64  `json:"student_id"`
	Error     string `json:"error"`
}

// Summary reports a generation run.
type Summary struct {
	GeneratedCount int       `json:"generated_count"`
	TotalStudents  int       `json:"total_students"`
	Chunks         int       `json:"chunks"`
	Failures       []Failure `json:"failures,omitempty"`
}

// Progress receives the number of students handled so far.
type Progress func(done, total int)

// GeneratorConfig tunes chunking and concurrency.
type GeneratorConfig struct {
	ChunkSize  int
	Workers    int
	ChunkPause time.Duration
}

// Generator issues primary credentials in chunks on a bounded worker pool.
type Generator struct {
	store  Store
	issuer *Issuer
	cfg    GeneratorConfig
	logger logrus.FieldLogger
}

// NewGenerator creates a generator. Zero config values fall back to 50 per
// chunk and 4 workers.
func NewGenerator(store Store, issuer *Issuer, cfg GeneratorConfig, logger logrus.FieldLogger) *Generator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Generator{store: store, issuer: issuer, cfg: cfg, logger: logger}
}

// GenerateMissing issues credentials for every paid student that lacks one.
// A unit that fails is logged and skipped; a failed chunk write aborts the
// run and earlier chunks stay committed. ctx is checked between chunks.
func (g *Generator) GenerateMissing(ctx context.Context, progress Progress) (Summary, error) {
	students, err := g.store.ListStudentsMissingCredential(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list students missing credential: %w", err)
	}
	sum := Summary{TotalStudents: len(students)}
	if len(students) == 0 {
		g.logger.Info("no students need credentials")
		return sum, nil
	}
	g.logger.WithFields(logrus.Fields{"students": len(students), "chunk_size": g.cfg.ChunkSize}).Info("credential generation started")

	for start := 0; start < len(students); start += g.cfg.ChunkSize {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if start > 0 && g.cfg.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(g.cfg.ChunkPause):
			}
		}
		end := min(start+g.cfg.ChunkSize, len(students))
		sum.Chunks++

		issued, failures := g.issueChunk(students[start:end])
		sum.Failures = append(sum.Failures, failures...)
		if err := g.store.SaveCredentials(ctx, issued); err != nil {
			g.logger.WithError(err).WithField("chunk", sum.Chunks).Error("chunk write failed")
			return sum, fmt.Errorf("save chunk %d: %w", sum.Chunks, err)
		}
		sum.GeneratedCount += len(issued)
		metrics.CredentialsGenerated.Add(float64(len(issued)))

		g.logger.WithFields(logrus.Fields{
			"chunk":     sum.Chunks,
			"generated": len(issued),
			"failed":    len(failures),
		}).Debug("chunk committed")
		if progress != nil {
			progress(end, len(students))
		}
	}

	g.logger.WithFields(logrus.Fields{
		"generated": sum.GeneratedCount,
		"failed":    len(sum.Failures),
		"chunks":    sum.Chunks,
	}).Info("credential generation finished")
	return sum, nil
}

func (g *Generator) issueChunk(chunk []model.Student) ([]model.IssuedCredential, []Failure) {
	results := make([]*model.IssuedCredential, len(chunk))
	var (
		mu       sync.Mutex
		failures []Failure
		eg       errgroup.Group
	)
	eg.SetLimit(g.cfg.Workers)
	for i, s := range chunk {
		i, id := i, s.ID
		eg.Go(func() error {
			cred, err := g.issuer.Issue(id)
			if err != nil {
				g.logger.WithError(err).WithField("student_id", id).Warn("credential issue failed")
				metrics.CredentialFailures.Inc()
				mu.Lock()
				failures = append(failures, Failure{StudentID: id, Error: err.Error()})
				mu.Unlock()
				return nil
			}
			results[i] = &cred
			return nil
		})
	}
	_ = eg.Wait()

	issued := make([]model.IssuedCredential, 0, len(chunk))
	for _, r := range results {
		if r != nil {
			issued = append(issued, *r)
		}
	}
	return issued, failures
}

// Regenerate replaces one student's primary credential. The previous token
// stops working immediately.
func (g *Generator) Regenerate(ctx context.Context, studentID int64) (model.IssuedCredential, error) {
	cred, err := g.issuer.Issue(studentID)
	if err != nil {
		return model.IssuedCredential{}, err
	}
	if err := g.store.RotateCredential(ctx, cred); err != nil {
		return model.IssuedCredential{}, fmt.Errorf("rotate credential for student %d: %w", studentID, err)
	}
	g.logger.WithField("student_id", studentID).Info("primary credential regenerated")
	return cred, nil
}
