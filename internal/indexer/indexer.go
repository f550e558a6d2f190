package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/felo/autoreply/internal/db"
	"github.com/felo/autoreply/internal/parser"
	"github.com/felo/autoreply/internal/queue"
	"github.com/felo/autoreply/internal/scanner"
)

// Store is the part of the record store the indexer writes to.
type Store interface {
	Ingest(ctx context.Context, req db.IngestRequest) (*db.IngestResult, error)
}

// Indexer ingests .eml files from the fetcher's spool directory.
type Indexer struct {
	store       Store
	scanner     *scanner.Scanner
	publisher   queue.Publisher
	logger      *slog.Logger
	concurrency int
	keepFiles   bool
}

// NewIndexer creates a new indexer over spoolPath. A nil publisher disables
// notifications.
func NewIndexer(store Store, spoolPath string, publisher queue.Publisher, logger *slog.Logger) *Indexer {
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:       store,
		scanner:     scanner.NewScanner(spoolPath),
		publisher:   publisher,
		logger:      logger,
		concurrency: runtime.NumCPU() * 2,
	}
}

// WithConcurrency sets the number of concurrent workers
func (idx *Indexer) WithConcurrency(workers int) *Indexer {
	if workers < 1 {
		workers = 1
	}
	idx.concurrency = workers
	return idx
}

// WithKeepFiles keeps ingested files in the spool instead of removing them.
func (idx *Indexer) WithKeepFiles(keep bool) *Indexer {
	idx.keepFiles = keep
	return idx
}

// IndexResult contains statistics about one pass over the spool
type IndexResult struct {
	TotalFound         int
	NewIndexed         int
	Duplicates         int
	ProbableDuplicates int
	Failed             int
	FailedFiles        []string
}

type indexStatus int

const (
	statusIndexed indexStatus = iota
	statusDuplicate
	statusFailed
)

type indexResult struct {
	filePath          string
	status            indexStatus
	probableDuplicate bool
}

// IndexAll scans the spool and ingests every file with a worker pool. Files
// that were stored, or were already stored under the same Message-ID, are
// removed from the spool; failed files stay for the next pass.
func (idx *Indexer) IndexAll(ctx context.Context) (*IndexResult, error) {
	files, err := idx.scanner.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan for files: %w", err)
	}

	result := &IndexResult{
		TotalFound:  len(files),
		FailedFiles: make([]string, 0),
	}
	if len(files) == 0 {
		return result, nil
	}

	idx.logger.DebugContext(ctx, "ingesting spool",
		slog.Int("files", result.TotalFound),
		slog.Int("workers", idx.concurrency),
	)

	fileChan := make(chan string, len(files))
	resultChan := make(chan indexResult, len(files))

	var wg sync.WaitGroup
	for i := 0; i < idx.concurrency; i++ {
		wg.Add(1)
		go idx.indexWorker(ctx, &wg, fileChan, resultChan)
	}

	for _, file := range files {
		fileChan <- file
	}
	close(fileChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for res := range resultChan {
		switch res.status {
		case statusIndexed:
			result.NewIndexed++
			if res.probableDuplicate {
				result.ProbableDuplicates++
			}
		case statusDuplicate:
			result.Duplicates++
		case statusFailed:
			result.Failed++
			result.FailedFiles = append(result.FailedFiles, res.filePath)
		}
	}

	idx.logger.InfoContext(ctx, "spool ingest complete",
		slog.Int("new", result.NewIndexed),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("probable_duplicates", result.ProbableDuplicates),
		slog.Int("failed", result.Failed),
	)

	return result, ctx.Err()
}

// indexWorker processes files from the file channel
func (idx *Indexer) indexWorker(ctx context.Context, wg *sync.WaitGroup, fileChan <-chan string, resultChan chan<- indexResult) {
	defer wg.Done()

	for relPath := range fileChan {
		if ctx.Err() != nil {
			resultChan <- indexResult{filePath: relPath, status: statusFailed}
			continue
		}
		resultChan <- idx.processFile(ctx, relPath)
	}
}

// processFile ingests a single spool file and returns its status
func (idx *Indexer) processFile(ctx context.Context, relPath string) indexResult {
	res := indexResult{filePath: relPath, status: statusFailed}

	path, err := idx.scanner.Resolve(relPath)
	if err != nil {
		idx.logger.WarnContext(ctx, "rejected spool path", slog.String("file", relPath), slog.String("error", err.Error()))
		return res
	}

	ingested, err := idx.IngestFile(ctx, path)
	var dup *db.DuplicateError
	switch {
	case errors.As(err, &dup):
		idx.logger.DebugContext(ctx, "already stored",
			slog.String("file", relPath), slog.String("email_id", dup.ExistingID))
		res.status = statusDuplicate
	case err != nil:
		idx.logger.ErrorContext(ctx, "failed to ingest spool file",
			slog.String("file", relPath), slog.String("error", err.Error()))
		return res
	default:
		res.status = statusIndexed
		res.probableDuplicate = ingested.ProbableDuplicate
	}

	if !idx.keepFiles {
		if err := os.Remove(path); err != nil {
			idx.logger.WarnContext(ctx, "failed to remove ingested file",
				slog.String("file", relPath), slog.String("error", err.Error()))
		}
	}
	return res
}

// IngestFile parses one .eml file, stores it and publishes the ingest event.
func (idx *Indexer) IngestFile(ctx context.Context, path string) (*db.IngestResult, error) {
	parsed, err := parser.ParseEMLFile(path)
	if err != nil {
		return nil, err
	}

	ingested, err := idx.store.Ingest(ctx, RequestFromParsed(parsed))
	if err != nil {
		return nil, err
	}

	if err := idx.publisher.PublishIngested(ctx, queue.IngestedMessage(ingested)); err != nil {
		idx.logger.WarnContext(ctx, "failed to publish ingest event",
			slog.String("email_id", ingested.Email.ID), slog.String("error", err.Error()))
	}
	return ingested, nil
}

// Watch runs IndexAll every interval until ctx is done.
func (idx *Indexer) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := idx.IndexAll(ctx); err != nil && ctx.Err() == nil {
			idx.logger.ErrorContext(ctx, "spool pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RequestFromParsed maps a parsed message onto an ingest request.
func RequestFromParsed(p *parser.ParsedEmail) db.IngestRequest {
	req := db.IngestRequest{
		MessageID:  p.MessageID,
		From:       p.Sender,
		To:         p.FirstRecipient(),
		Subject:    p.Subject,
		Content:    p.Content(),
		ReceivedAt: p.Date,
		SourceHash: p.SourceHash,
	}
	for _, att := range p.Attachments {
		req.Attachments = append(req.Attachments, db.Attachment{
			Filename:    att.Filename,
			Size:        att.Size,
			ContentType: att.ContentType,
			Hash:        att.Hash,
		})
	}
	return req
}
