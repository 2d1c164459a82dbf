package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"tbup-go/internal/config"
	"tbup-go/internal/credentials"
	"tbup-go/internal/database"
	"tbup-go/internal/fingerprint"
	"tbup-go/internal/fs"
	"tbup-go/internal/remote"
	"tbup-go/internal/sidecar"
	"tbup-go/internal/tbup"
)

// remoteFactory builds the remote for an account. Tests replace it.
type remoteFactory func(ctx context.Context, account, secret string) (tbup.Remote, tbup.ChunkPolicy, error)

// TbupApp is the application layer between the CLI and UploadService.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and manages the journal lifecycle on Close.
type TbupApp struct {
	cfg      *config.Config
	secrets  credentials.Store
	db       *database.SQLiteDatabase
	fsmgr    tbup.FilesystemManager
	sidecars tbup.SidecarStore
	hasher   tbup.Fingerprinter
	clock    tbup.Clock
	idgen    tbup.IDGenerator
	logger   tbup.Logger
	logFile  *os.File

	newRemote remoteFactory
	remote    tbup.Remote
	op        *UploadOperation
	summary   *tbup.Summary
}

// Options tune console output of a TbupApp.
type Options struct {
	// Console receives log records as they happen. Nil logs to the file only.
	Console io.Writer
	Verbose bool
}

// NewTbupApp creates a fully wired TbupApp from the given config.
// The caller must call Close when done.
func NewTbupApp(cfg *config.Config, secrets credentials.Store, opts Options) (*TbupApp, error) {
	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	schema, err := db.SchemaStatus()
	if err == nil {
		err = schema.Err()
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checking journal schema: %w", err)
	}

	clock := tbup.RealClock{}
	runID := clock.Now().UTC().Format("20060102T150405Z")
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	l, logFile, err := newLogger(cfg.LogDir, runID, opts.Console, level)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}
	logger.Debug("journal opened", "path", db.Path(), "schema", schema.Current)

	a := &TbupApp{
		cfg:      cfg,
		secrets:  secrets,
		db:       db,
		fsmgr:    fs.NewOSFilesystemManager(cfg.Filesystem.Ignore),
		sidecars: sidecar.NewJSONStore(logger),
		hasher:   fingerprint.NewFileHasher(),
		clock:    clock,
		idgen:    tbup.UUIDGenerator{},
		logger:   logger,
		logFile:  logFile,
	}
	a.newRemote = func(ctx context.Context, account, secret string) (tbup.Remote, tbup.ChunkPolicy, error) {
		return remote.NewRemoteFromConfig(ctx, cfg, account, secret, logger)
	}
	return a, nil
}

// ResolveAccount picks the account to upload with: name if given, then the
// configured default, then the only stored account.
func (a *TbupApp) ResolveAccount(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	if a.cfg.DefaultAccount != "" {
		return a.cfg.DefaultAccount, nil
	}
	names, err := a.secrets.Names()
	if err != nil {
		return "", fmt.Errorf("listing accounts: %w", err)
	}
	switch len(names) {
	case 0:
		return "", fmt.Errorf("no accounts configured: run 'tbup account add NAME'")
	case 1:
		return names[0], nil
	default:
		return "", fmt.Errorf("several accounts configured, choose one with -a: %v", names)
	}
}

// secret returns the stored secret of account. Remotes other than TeraBox
// may run without one.
func (a *TbupApp) secret(account string) (string, error) {
	s, err := a.secrets.Get(account)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, credentials.ErrUnknownAccount) && a.cfg.Remote.Type != "terabox" {
		return "", nil
	}
	return "", fmt.Errorf("reading secret of %s: %w", account, err)
}

// ResolveRoots turns raw CLI arguments into an absolute local directory and
// a remote directory. An empty remote root mirrors the local directory name
// under the remote root.
func ResolveRoots(rawLocal, rawRemote string) (string, string, error) {
	if rawLocal == "" {
		rawLocal = "."
	}
	local, err := filepath.Abs(rawLocal)
	if err != nil {
		return "", "", fmt.Errorf("resolving path: %w", err)
	}
	if rawRemote == "" {
		rawRemote = "/" + filepath.Base(local)
	}
	return local, path.Clean("/" + filepath.ToSlash(rawRemote)), nil
}

// Upload mirrors rawLocal into rawRemote with the given account and journals
// the run. The summary is valid even when err is non-nil.
func (a *TbupApp) Upload(ctx context.Context, accountName, rawLocal, rawRemote string) (*tbup.Summary, error) {
	if a.op != nil {
		return nil, fmt.Errorf("an upload already ran in this session")
	}
	account, err := a.ResolveAccount(accountName)
	if err != nil {
		return nil, err
	}
	localRoot, remoteRoot, err := ResolveRoots(rawLocal, rawRemote)
	if err != nil {
		return nil, err
	}
	secret, err := a.secret(account)
	if err != nil {
		return nil, err
	}

	r, policy, err := a.newRemote(ctx, account, secret)
	if err != nil {
		return nil, fmt.Errorf("creating remote: %w", err)
	}
	a.remote = r

	op := NewUploadOperation(account, localRoot, remoteRoot)
	if last, err := a.db.LastRun(op.Key); err != nil {
		a.logger.Warn("reading previous run", "error", err)
	} else if last != nil {
		a.logger.Info("resuming after previous run", "run", last.ID, "status", last.Status, "started", last.StartedAt.Format("2006-01-02 15:04"))
	}

	run := &database.Run{
		RunKey:     op.Key,
		Account:    account,
		LocalRoot:  localRoot,
		RemoteRoot: remoteRoot,
		StartedAt:  a.clock.Now(),
	}
	if err := a.db.StartRun(run); err != nil {
		return nil, err
	}
	op.ID = run.ID
	a.op = op

	svc := tbup.NewUploadService(r, a.fsmgr, a.sidecars, a.hasher, a.db.RunJournal(op.ID), a.logger, a.clock, a.idgen, policy)
	summary, err := svc.Upload(ctx, localRoot, remoteRoot)
	if summary == nil {
		summary = &tbup.Summary{}
	}
	a.summary = summary

	switch {
	case err != nil:
		op.Status = database.RunError
	case summary.Failed > 0 || summary.ScanFaults > 0:
		op.Status = database.RunPartial
	default:
		op.Status = database.RunSuccess
	}
	return summary, err
}

// GetStatus lists files under rawPath with resumable progress.
func (a *TbupApp) GetStatus(rawPath string) ([]tbup.PendingUpload, error) {
	p, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	svc := tbup.NewUploadService(nil, a.fsmgr, a.sidecars, a.hasher, tbup.NopJournal{}, a.logger, a.clock, a.idgen, tbup.DefaultChunkPolicy)
	return svc.Status(p)
}

// GetHistory returns the most recent runs.
func (a *TbupApp) GetHistory(limit int) ([]*database.Run, error) {
	return a.db.ListRuns(limit)
}

// GetFileLog resolves rawPath and returns every journaled outcome for it.
func (a *TbupApp) GetFileLog(rawPath string) ([]*database.FileEventRecord, error) {
	p, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	return a.db.FileHistory(p)
}

// Close finalizes the run and closes all resources.
// After an upload: finishes the run record, snapshots the journal and, when
// the remote stores metadata, uploads the snapshot.
// Otherwise it just closes the database.
func (a *TbupApp) Close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.op != nil && a.op.Persisted() {
		keep(a.db.FinishRun(a.op.ID, a.op.Status, a.summary, a.clock.Now()))

		var tmpPath string
		if sink, ok := a.remote.(tbup.MetadataSink); ok {
			p, err := a.snapshot()
			keep(err)
			tmpPath = p
			keep(a.db.Close())
			if tmpPath != "" {
				keep(a.uploadSnapshot(ctx, sink, tmpPath))
				os.Remove(tmpPath)
			}
		} else {
			a.logger.Debug("remote does not store metadata, journal snapshot skipped")
			keep(a.db.Close())
		}
	} else {
		if err := a.db.Close(); err != nil {
			keep(fmt.Errorf("closing database: %w", err))
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// snapshot copies the journal to a temp file and returns its path.
func (a *TbupApp) snapshot() (string, error) {
	tmpFile, err := os.CreateTemp("", "tbup-journal-*.db")
	if err != nil {
		return "", fmt.Errorf("creating temp file for journal snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	if err := a.db.BackupTo(tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// uploadSnapshot sends the journal snapshot at path to sink.
func (a *TbupApp) uploadSnapshot(ctx context.Context, sink tbup.MetadataSink, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening journal snapshot for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal snapshot: %w", err)
	}

	if err := sink.PutMetadata(ctx, database.FileName, f, info.Size()); err != nil {
		return fmt.Errorf("uploading journal snapshot: %w", err)
	}
	a.logger.Info("journal snapshot uploaded", "size", tbup.HumanSize(info.Size()))
	return nil
}
