package tbup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// UploadService is the orchestration layer that drives the per-file upload
// pipeline over a local directory tree.
type UploadService struct {
	remote     Remote
	fsmgr      FilesystemManager
	sidecars   SidecarStore
	hasher     Fingerprinter
	journal    Journal
	logger     Logger
	clock      Clock
	idgen      IDGenerator
	policy     ChunkPolicy
	negotiator *Negotiator
	transferer *Transferer
}

// NewUploadService creates a new UploadService with the provided dependencies.
func NewUploadService(remote Remote, fsmgr FilesystemManager, sidecars SidecarStore, hasher Fingerprinter, journal Journal, logger Logger, clock Clock, idgen IDGenerator, policy ChunkPolicy) *UploadService {
	return &UploadService{
		remote:     remote,
		fsmgr:      fsmgr,
		sidecars:   sidecars,
		hasher:     hasher,
		journal:    journal,
		logger:     logger,
		clock:      clock,
		idgen:      idgen,
		policy:     policy,
		negotiator: NewNegotiator(remote, sidecars, logger),
		transferer: NewTransferer(remote, sidecars, logger),
	}
}

// dirNode is one local directory of a scanned tree. Nodes are not modified
// after the scan completes.
type dirNode struct {
	path  string
	files []string
	dirs  []*dirNode
}

// pass is the state of one Upload call.
type pass struct {
	premium    bool
	index      *DirectoryIndex
	listFailed map[string]error
	summary    *Summary
}

// Upload mirrors localRoot into remoteRoot. Files of a directory are processed
// before its subdirectories, one at a time. A file that fails is recorded and
// skipped; only an invalid session or a cancelled ctx stops the run.
// The returned summary is valid even when err is non-nil.
func (s *UploadService) Upload(ctx context.Context, localRoot, remoteRoot string) (*Summary, error) {
	localRoot = filepath.Clean(localRoot)
	remoteRoot = cleanRemote(remoteRoot)

	info, err := s.fsmgr.Stat(localRoot)
	if err != nil {
		return nil, fmt.Errorf("reading local root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local root is not a directory: %s", localRoot)
	}

	if err := s.remote.CheckSession(ctx); err != nil {
		return nil, fmt.Errorf("checking session: %w", err)
	}
	account, err := s.remote.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading account: %w", err)
	}

	p := &pass{
		premium:    account.Premium,
		index:      NewDirectoryIndex(s.remote),
		listFailed: make(map[string]error),
		summary:    &Summary{},
	}

	root, err := s.scanTree(localRoot, p.summary)
	if err != nil {
		return nil, err
	}

	s.logger.Info("upload started", "account", account.Name, "premium", account.Premium, "local", localRoot, "remote", remoteRoot)
	err = s.uploadDir(ctx, p, root, remoteRoot)
	s.logger.Info("upload finished",
		"committed", p.summary.Committed,
		"rapid", p.summary.RapidUploaded,
		"skipped", p.summary.Skipped,
		"failed", p.summary.Failed,
		"scan_faults", p.summary.ScanFaults)
	return p.summary, err
}

// scanTree materializes the scanner's stream into a directory tree.
// Unreadable subdirectories are counted and left empty.
func (s *UploadService) scanTree(root string, summary *Summary) (*dirNode, error) {
	top := &dirNode{path: root}
	nodes := map[string]*dirNode{root: top}

	for entry, err := range s.fsmgr.Scan(root) {
		if err != nil {
			if entry.Path == "" || entry.Path == root {
				return nil, fmt.Errorf("scanning %s: %w", root, err)
			}
			summary.ScanFaults++
			s.logger.Error("skipping unreadable directory", "path", entry.Path, "error", err)
			continue
		}
		if entry.Path == root {
			continue
		}

		parent, ok := nodes[filepath.Dir(entry.Path)]
		if !ok {
			continue
		}
		if entry.IsDir {
			child := &dirNode{path: entry.Path}
			nodes[entry.Path] = child
			parent.dirs = append(parent.dirs, child)
			continue
		}
		parent.files = append(parent.files, entry.Path)
	}
	return top, nil
}

func (s *UploadService) uploadDir(ctx context.Context, p *pass, node *dirNode, remoteDir string) error {
	s.logger.Debug("processing directory", "local", node.path, "remote", remoteDir, "files", len(node.files))

	for _, localPath := range node.files {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := s.uploadFile(ctx, p, localPath, remoteDir)
		s.record(p.summary, ev)
		if errors.Is(err, ErrSessionInvalid) {
			return err
		}
	}

	for _, child := range node.dirs {
		if err := s.uploadDir(ctx, p, child, JoinRemote(remoteDir, filepath.Base(child.path))); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// uploadFile runs the pipeline for one file and returns its terminal event.
// The error is the fault behind a failed outcome, if any.
func (s *UploadService) uploadFile(ctx context.Context, p *pass, localPath, remoteDir string) (*FileEvent, error) {
	sidecarPath := SidecarPath(localPath)
	ev := &FileEvent{ID: s.idgen.New(), LocalPath: localPath}

	job, err := s.sidecars.Load(sidecarPath)
	if err != nil {
		return s.fail(ev, nil, OutcomeFaultState, fmt.Errorf("loading sidecar: %w", err))
	}
	FillDefaults(job, remoteDir, localPath)
	ev.RemotePath = job.RemotePath()

	if job.HashOnly {
		if job.Hash == nil {
			return s.fail(ev, job, OutcomeFaultState, errors.New("hash-only record has no fingerprint"))
		}
	} else {
		info, err := s.fsmgr.Stat(localPath)
		if err != nil {
			return s.fail(ev, job, OutcomeFaultFingerprint, fmt.Errorf("reading file info: %w", err))
		}
		if job.Size != info.Size() && (job.Hash != nil || job.UploadID != "") {
			s.logger.Warn("file changed since last run, starting over", "path", localPath,
				"recorded", HumanSize(job.Size), "current", HumanSize(info.Size()))
			job.ResetProgress()
		}
		job.Size = info.Size()
	}
	ev.Size = job.Size

	if job.Empty() {
		s.logger.Debug("empty file, skipping", "path", localPath)
		return s.finish(ev, OutcomeSkippedEmpty), nil
	}
	if maxSize := s.policy.MaxSize(p.premium); job.Size > maxSize {
		s.logger.Warn("file too large, skipping", "path", localPath,
			"size", HumanSize(job.Size), "max", HumanSize(maxSize))
		return s.finish(ev, OutcomeSkippedTooLarge), nil
	}

	if err := s.ensureListed(ctx, p, job.RemoteDir); err != nil {
		return s.fail(ev, job, OutcomeFaultListing, err)
	}
	if existing, ok := p.index.Lookup(job.RemoteDir, job.File); ok {
		if existing.Size != job.Size {
			s.logger.Warn("remote object with the same name has a different size, skipping", "path", ev.RemotePath,
				"local", HumanSize(job.Size), "remote", HumanSize(existing.Size))
		} else {
			s.logger.Info("already on remote, skipping", "path", ev.RemotePath)
		}
		return s.finish(ev, OutcomeSkippedExists), nil
	}

	blockSize := s.policy.BlockSize(job.Size, p.premium)
	if !job.HashOnly {
		switch {
		case job.Hash != nil && !job.Hash.HasBlocks():
			s.logger.Warn("recorded fingerprint has no block hashes, starting over", "path", localPath)
			job.ResetProgress()
		case job.Hash.HasBlocks() && len(job.Hash.Chunks) != BlockCount(job.Size, blockSize):
			s.logger.Warn("block size changed since last run, starting over", "path", localPath)
			job.ResetProgress()
		}
		if job.Hash == nil {
			s.logger.Info("calculating hashes", "path", localPath, "size", HumanSize(job.Size))
			fp, err := s.hasher.Fingerprint(ctx, localPath, blockSize)
			if err != nil {
				return s.fail(ev, job, OutcomeFaultFingerprint, fmt.Errorf("fingerprinting: %w", err))
			}
			job.Hash = fp
			if err := s.sidecars.Save(sidecarPath, job); err != nil {
				return s.fail(ev, job, OutcomeFaultState, fmt.Errorf("saving fingerprint: %w", err))
			}
		}
	}

	if job.Size > RapidUploadThreshold {
		file, err := s.negotiator.TryRapidUpload(ctx, job)
		switch {
		case err == nil && file == nil:
			s.logger.Debug("rapid upload returned no object", "path", ev.RemotePath)
		case err == nil:
			s.logger.Info("rapid uploaded", "path", file.Path, "size", HumanSize(file.Size))
			p.index.Add(job.RemoteDir, RemoteEntry{ServerFilename: job.File, Size: file.Size})
			s.removeSidecar(job, sidecarPath)
			return s.finish(ev, OutcomeRapidUploaded), nil
		case errors.Is(err, ErrSessionInvalid):
			return s.fail(ev, job, OutcomeFaultNegotiate, err)
		case errors.Is(err, ErrRapidUploadDenied):
			s.logger.Warn("rapid upload not permitted for this account", "path", ev.RemotePath, "error", err)
		case errors.Is(err, ErrRapidUploadMiss):
			s.logger.Debug("rapid upload missed", "path", ev.RemotePath)
		default:
			s.logger.Warn("rapid upload failed", "path", ev.RemotePath, "error", err)
		}
	}

	if job.HashOnly {
		s.logger.Info("hash-only record not known to remote, skipping", "path", localPath)
		return s.finish(ev, OutcomeHashOnlyMissed), nil
	}

	if err := s.negotiator.Negotiate(ctx, job, sidecarPath); err != nil {
		return s.fail(ev, job, OutcomeFaultNegotiate, err)
	}

	if err := s.transfer(ctx, job, sidecarPath, localPath, blockSize); err != nil {
		if IsIntegrity(err) {
			return s.fail(ev, job, OutcomeFaultIntegrity, err)
		}
		return s.fail(ev, job, OutcomeFaultTransfer, err)
	}

	return s.commit(ctx, p, ev, job, sidecarPath)
}

func (s *UploadService) transfer(ctx context.Context, job *UploadJob, sidecarPath, localPath string, blockSize int64) error {
	pending := len(job.Pending())
	if pending == 0 {
		return nil
	}
	s.logger.Info("uploading blocks", "path", localPath, "pending", pending, "total", len(job.Uploaded),
		"block_size", HumanSize(blockSize))

	f, err := s.fsmgr.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer f.Close()

	return s.transferer.Transfer(ctx, job, sidecarPath, blockSize, f)
}

func (s *UploadService) commit(ctx context.Context, p *pass, ev *FileEvent, job *UploadJob, sidecarPath string) (*FileEvent, error) {
	job.Uploaded = nil
	if err := s.sidecars.Save(sidecarPath, job); err != nil {
		return s.fail(ev, job, OutcomeFaultState, fmt.Errorf("saving before commit: %w", err))
	}

	file, err := s.remote.Commit(ctx, &CommitRequest{
		Path:      job.RemotePath(),
		Size:      job.Size,
		BlockList: job.Hash.Chunks,
		UploadID:  job.UploadID,
		FileMD5:   job.Hash.File,
	})
	if err != nil {
		return s.fail(ev, job, OutcomeFaultCommit, fmt.Errorf("committing %s: %w", job.RemotePath(), err))
	}

	p.index.Add(job.RemoteDir, RemoteEntry{ServerFilename: job.File, Size: file.Size})
	if file.Size != job.Size {
		return s.fail(ev, job, OutcomeFaultSizeMismatch, fmt.Errorf("%s: local %d, remote %d: %w",
			file.Path, job.Size, file.Size, ErrSizeMismatch))
	}

	s.logger.Info("uploaded", "path", file.Path, "size", HumanSize(file.Size))
	s.removeSidecar(job, sidecarPath)
	return s.finish(ev, OutcomeCommitted), nil
}

// ensureListed loads the listing of dir into the index, creating dir on the
// remote when it does not exist. A failure is remembered for the pass.
func (s *UploadService) ensureListed(ctx context.Context, p *pass, dir string) error {
	if err, ok := p.listFailed[dir]; ok {
		return err
	}

	_, found, err := p.index.List(ctx, dir)
	if err == nil && !found {
		s.logger.Info("creating remote directory", "dir", dir)
		if err = s.remote.CreateDirectory(ctx, dir); err != nil {
			err = fmt.Errorf("creating %s: %w", dir, err)
		} else {
			p.index.Seed(dir, nil)
		}
	}
	if err != nil && ctx.Err() == nil {
		p.listFailed[dir] = err
	}
	return err
}

// removeSidecar deletes the progress record of a finished job. Hash-only
// records are kept.
func (s *UploadService) removeSidecar(job *UploadJob, sidecarPath string) {
	if job.HashOnly {
		return
	}
	if err := s.sidecars.Delete(sidecarPath); err != nil {
		s.logger.Error("removing sidecar", "path", sidecarPath, "error", err)
	}
}

func (s *UploadService) finish(ev *FileEvent, outcome Outcome) *FileEvent {
	ev.Outcome = outcome
	return ev
}

func (s *UploadService) fail(ev *FileEvent, job *UploadJob, outcome Outcome, err error) (*FileEvent, error) {
	if job != nil {
		job.Err = err
	}
	ev.Outcome = outcome
	ev.Detail = err.Error()
	s.logger.Error("upload failed", "path", ev.LocalPath, "outcome", string(outcome), "error", err)
	return ev, err
}

func (s *UploadService) record(summary *Summary, ev *FileEvent) {
	ev.CreatedAt = s.clock.Now()
	summary.add(ev.Outcome)
	if err := s.journal.RecordFile(ev); err != nil {
		s.logger.Warn("recording outcome", "path", ev.LocalPath, "error", err)
	}
}

func cleanRemote(dir string) string {
	dir = toSlash(dir)
	if !strings.HasPrefix(dir, "/") {
		dir = "/" + dir
	}
	if len(dir) > 1 {
		dir = strings.TrimRight(dir, "/")
	}
	if dir == "" {
		return "/"
	}
	return dir
}
