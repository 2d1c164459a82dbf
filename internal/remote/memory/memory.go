package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"tbup-go/internal/tbup"
)

// object is one stored file.
type object struct {
	content []byte
	md5     string
	slice   string
}

// session is an open upload.
type session struct {
	path     string
	size     int64
	blocks   []string
	received map[int]string
}

// Remote is an in-memory implementation of tbup.Remote.
// Blocks are deduplicated globally by their MD5, so content sent by any
// upload is reported as already present to later negotiations.
// This implementation is safe for concurrent use.
type Remote struct {
	name    string
	premium bool

	mu          sync.Mutex
	invalid     bool
	weakRapid   bool
	dirs        map[string]bool
	files       map[string]*object
	blocks      map[string][]byte // block md5 -> bytes
	sessions    map[string]*session
	metadata    map[string][]byte
	nextID      int
	calls       map[string]int
	sent        map[string][]int // remote path -> block sequence numbers received
	tamper      func(path string, seq int) bool
	commitSkew  int64
	failListing map[string]error
}

// NewRemote creates an empty remote holding only the root directory.
func NewRemote(name string, premium bool) *Remote {
	return &Remote{
		name:        name,
		premium:     premium,
		dirs:        map[string]bool{"/": true},
		files:       make(map[string]*object),
		blocks:      make(map[string][]byte),
		sessions:    make(map[string]*session),
		metadata:    make(map[string][]byte),
		calls:       make(map[string]int),
		sent:        make(map[string][]int),
		failListing: make(map[string]error),
	}
}

func (m *Remote) count(op string) {
	m.calls[op]++
}

// CheckSession fails with tbup.ErrSessionInvalid after InvalidateSession.
func (m *Remote) CheckSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("check_session")

	if m.invalid {
		return tbup.ErrSessionInvalid
	}
	return ctx.Err()
}

func (m *Remote) Account(ctx context.Context) (*tbup.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("account")

	return &tbup.Account{Name: m.name, Premium: m.premium}, nil
}

// ListDirectory lists the direct children of dir.
func (m *Remote) ListDirectory(ctx context.Context, dir string) ([]tbup.RemoteEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("list")

	if err := m.failListing[dir]; err != nil {
		return nil, err
	}
	if !m.dirs[dir] {
		return nil, fmt.Errorf("%s: %w", dir, tbup.ErrNotFound)
	}

	var entries []tbup.RemoteEntry
	for p := range m.dirs {
		if p != dir && path.Dir(p) == dir {
			entries = append(entries, tbup.RemoteEntry{ServerFilename: path.Base(p), IsDir: true})
		}
	}
	for p, obj := range m.files {
		if path.Dir(p) == dir {
			entries = append(entries, tbup.RemoteEntry{ServerFilename: path.Base(p), Size: int64(len(obj.content))})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ServerFilename < entries[j].ServerFilename })
	return entries, nil
}

// CreateDirectory creates dir and any missing parents.
func (m *Remote) CreateDirectory(ctx context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("mkdir")

	if _, ok := m.files[dir]; ok {
		return fmt.Errorf("%s exists and is a file", dir)
	}
	m.mkdirAll(dir)
	return nil
}

func (m *Remote) mkdirAll(dir string) {
	for d := path.Clean(dir); !m.dirs[d]; d = path.Dir(d) {
		m.dirs[d] = true
	}
}

// RapidUpload succeeds when an object with the same content is already stored.
// The weak mode is refused unless AllowWeakRapidUpload was called.
func (m *Remote) RapidUpload(ctx context.Context, req *tbup.RapidUploadRequest) (*tbup.RemoteFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("rapid_upload")

	if req.BlockList == nil && !m.weakRapid {
		return nil, tbup.ErrRapidUploadDenied
	}
	for _, obj := range m.files {
		if obj.md5 == req.FileMD5 && obj.slice == req.SliceMD5 && int64(len(obj.content)) == req.Size {
			m.mkdirAll(path.Dir(req.Path))
			m.files[req.Path] = obj
			return &tbup.RemoteFile{Path: req.Path, Size: req.Size}, nil
		}
	}
	return nil, tbup.ErrRapidUploadMiss
}

// Precreate reuses the session named by req.UploadID when it belongs to the
// same path, and reports every block whose hash is not stored yet.
func (m *Remote) Precreate(ctx context.Context, req *tbup.PrecreateRequest) (*tbup.PrecreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("precreate")

	id := req.UploadID
	if s, ok := m.sessions[id]; !ok || s.path != req.Path {
		m.nextID++
		id = fmt.Sprintf("upload-%d", m.nextID)
		m.sessions[id] = &session{path: req.Path, received: make(map[int]string)}
	}
	s := m.sessions[id]
	s.size = req.Size
	s.blocks = append([]string(nil), req.BlockList...)

	res := &tbup.PrecreateResult{UploadID: id}
	for i, h := range req.BlockList {
		if _, ok := m.blocks[h]; !ok {
			res.Missing = append(res.Missing, i)
		}
	}
	return res, nil
}

// UploadBlock stores one block and acknowledges its MD5.
func (m *Remote) UploadBlock(ctx context.Context, req *tbup.BlockRequest) (*tbup.BlockAck, error) {
	data, err := io.ReadAll(req.Data)
	if err != nil {
		return nil, fmt.Errorf("reading block: %w", err)
	}
	if int64(len(data)) != req.Size {
		return nil, fmt.Errorf("block size mismatch: expected %d bytes, got %d", req.Size, len(data))
	}
	if req.Progress != nil {
		req.Progress(int64(len(data)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("upload_block")

	s, ok := m.sessions[req.UploadID]
	if !ok || s.path != req.Path {
		return nil, &tbup.APIError{Op: "upload block", Errno: 31299, Msg: "unknown upload id"}
	}

	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])
	m.blocks[hash] = data
	s.received[req.Seq] = hash
	m.sent[req.Path] = append(m.sent[req.Path], req.Seq)

	if m.tamper != nil && m.tamper(req.Path, req.Seq) {
		hash = strings.Repeat("0", len(hash))
	}
	return &tbup.BlockAck{Seq: req.Seq, Hash: hash}, nil
}

// Commit assembles the object from stored blocks and closes the session.
func (m *Remote) Commit(ctx context.Context, req *tbup.CommitRequest) (*tbup.RemoteFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("commit")

	s, ok := m.sessions[req.UploadID]
	if !ok || s.path != req.Path {
		return nil, &tbup.APIError{Op: "create", Errno: 31299, Msg: "unknown upload id"}
	}

	var buf bytes.Buffer
	for i, h := range req.BlockList {
		data, ok := m.blocks[h]
		if !ok {
			return nil, &tbup.APIError{Op: "create", Errno: 31363, Msg: fmt.Sprintf("block %d missing", i)}
		}
		buf.Write(data)
	}

	content := buf.Bytes()
	sum := md5.Sum(content)
	m.mkdirAll(path.Dir(req.Path))
	m.files[req.Path] = &object{
		content: content,
		md5:     hex.EncodeToString(sum[:]),
		slice:   sliceMD5(content),
	}
	delete(m.sessions, req.UploadID)

	return &tbup.RemoteFile{Path: req.Path, Size: int64(len(content)) + m.commitSkew}, nil
}

// PutMetadata stores an auxiliary file.
func (m *Remote) PutMetadata(ctx context.Context, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[name] = data
	return nil
}

// AddFile stores content at p as if it had been uploaded earlier.
// Its blocks are not registered for dedup.
func (m *Remote) AddFile(p string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := md5.Sum(content)
	m.mkdirAll(path.Dir(p))
	m.files[p] = &object{content: content, md5: hex.EncodeToString(sum[:]), slice: sliceMD5(content)}
}

// AddBlock registers a block as held by the service.
func (m *Remote) AddBlock(content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := md5.Sum(content)
	m.blocks[hex.EncodeToString(sum[:])] = content
}

// File returns the stored content at p.
func (m *Remote) File(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.files[p]
	if !ok {
		return nil, false
	}
	return obj.content, true
}

// HasDirectory reports whether dir exists.
func (m *Remote) HasDirectory(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[dir]
}

// Metadata returns a stored auxiliary file.
func (m *Remote) Metadata(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.metadata[name]
	return data, ok
}

// SentBlocks returns the sequence numbers received for p, in arrival order.
func (m *Remote) SentBlocks(p string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.sent[p]...)
}

// Calls returns how many times op was called. Ops: check_session, account,
// list, mkdir, rapid_upload, precreate, upload_block, commit.
func (m *Remote) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TotalCalls returns the number of protocol calls made so far.
func (m *Remote) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// InvalidateSession makes CheckSession fail.
func (m *Remote) InvalidateSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid = true
}

// AllowWeakRapidUpload accepts rapid uploads without block hashes.
func (m *Remote) AllowWeakRapidUpload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weakRapid = true
}

// TamperAck makes UploadBlock acknowledge a wrong hash whenever fn returns true.
func (m *Remote) TamperAck(fn func(path string, seq int) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tamper = fn
}

// SkewCommitSize adds delta to the size reported by Commit.
func (m *Remote) SkewCommitSize(delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitSkew = delta
}

// FailListing makes ListDirectory of dir return err.
func (m *Remote) FailListing(dir string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failListing[dir] = err
}

func sliceMD5(content []byte) string {
	n := min(int64(len(content)), tbup.RapidUploadThreshold)
	sum := md5.Sum(content[:n])
	return hex.EncodeToString(sum[:])
}

// Compile-time checks
var (
	_ tbup.Remote       = (*Remote)(nil)
	_ tbup.MetadataSink = (*Remote)(nil)
)
