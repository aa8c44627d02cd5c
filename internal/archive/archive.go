// Package archive keeps a git history of every assembled document, one repository per
// draft.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"lexdraft/api/internal/model"
)

const (
	branch       = "main"
	documentFile = "document.html"
	styleFile    = "style.css"
	metaFile     = "assembly.json"
)

var ErrNoHistory = errors.New("draft has no archived assemblies")

// Entry is one archived assembly.
type Entry struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Sections  int       `json:"sections"`
}

type meta struct {
	SectionIDs    []string  `json:"sectionIds"`
	ExternalDocID string    `json:"externalDocId,omitempty"`
	EmbedURL      string    `json:"embedUrl,omitempty"`
	AssembledAt   time.Time `json:"assembledAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records an assembly. Reassembling identical content returns the existing head
// entry without a new commit.
func (s *Service) Commit(draftID string, result model.AssemblyResult, author string) (Entry, error) {
	lock := s.draftLock(draftID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(draftID)
	if err != nil {
		return Entry{}, err
	}

	if head, ok, err := headCommit(repo); err != nil {
		return Entry{}, err
	} else if ok {
		previous, err := readAssembly(head, draftID)
		if err != nil {
			return Entry{}, err
		}
		if !HasChanges(previous, result) {
			return toEntry(head), nil
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Entry{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	payload, err := json.MarshalIndent(meta{
		SectionIDs:    result.SectionIDs,
		ExternalDocID: result.ExternalDocID,
		EmbedURL:      result.EmbedURL,
		AssembledAt:   result.AssembledAt,
	}, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal assembly meta: %w", err)
	}
	files := map[string][]byte{
		documentFile: []byte(result.Body),
		styleFile:    []byte(result.CSS),
		metaFile:     append(payload, '\n'),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(root, name), data, 0o644); err != nil {
			return Entry{}, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return Entry{}, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	if strings.TrimSpace(author) == "" {
		author = "LexDraft"
	}
	message := fmt.Sprintf("Assemble %d sections\n\nsections: %s", len(result.SectionIDs), strings.Join(result.SectionIDs, ","))
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@lexdraft.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("commit assembly: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Entry{}, fmt.Errorf("read commit object: %w", err)
	}
	return toEntry(commitObj), nil
}

// History lists archived assemblies, newest first. A draft that was never archived has
// an empty history.
func (s *Service) History(draftID string, limit int) ([]Entry, error) {
	lock := s.draftLock(draftID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(draftID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, ok, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Entry{}, nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Entry, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toEntry(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Get returns the assembly stored at a commit. Abbreviated hashes are accepted.
func (s *Service) Get(draftID, hash string) (model.AssemblyResult, error) {
	lock := s.draftLock(draftID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(draftID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return model.AssemblyResult{}, ErrNoHistory
	}
	if err != nil {
		return model.AssemblyResult{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return model.AssemblyResult{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return model.AssemblyResult{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readAssembly(commitObj, draftID)
}

// HasChanges compares what an assembly renders, ignoring when it was produced.
func HasChanges(from, to model.AssemblyResult) bool {
	return from.Body != to.Body ||
		from.CSS != to.CSS ||
		from.ExternalDocID != to.ExternalDocID ||
		!slices.Equal(from.SectionIDs, to.SectionIDs)
}

func (s *Service) open(draftID string) (*git.Repository, error) {
	path := s.repoPath(draftID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return repo, nil
}

func (s *Service) repoPath(draftID string) string {
	return filepath.Join(s.baseDir, filepath.Base(filepath.Clean("/"+draftID)))
}

func (s *Service) draftLock(draftID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[draftID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[draftID] = lock
	return lock
}

// headCommit returns the tip of main; ok is false for a repository with no commits.
func headCommit(repo *git.Repository) (*object.Commit, bool, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, false, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, true, nil
}

func readAssembly(commitObj *object.Commit, draftID string) (model.AssemblyResult, error) {
	body, err := readFile(commitObj, documentFile)
	if err != nil {
		return model.AssemblyResult{}, err
	}
	css, err := readFile(commitObj, styleFile)
	if err != nil {
		return model.AssemblyResult{}, err
	}
	raw, err := readFile(commitObj, metaFile)
	if err != nil {
		return model.AssemblyResult{}, err
	}
	var m meta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return model.AssemblyResult{}, fmt.Errorf("decode assembly meta: %w", err)
	}
	return model.AssemblyResult{
		DraftID:       draftID,
		Body:          body,
		CSS:           css,
		SectionIDs:    m.SectionIDs,
		ExternalDocID: m.ExternalDocID,
		EmbedURL:      m.EmbedURL,
		AssembledAt:   m.AssembledAt,
	}, nil
}

func readFile(commitObj *object.Commit, name string) (string, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", name, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return contents, nil
}

func toEntry(commitObj *object.Commit) Entry {
	sections := 0
	for _, line := range strings.Split(commitObj.Message, "\n") {
		if ids, ok := strings.CutPrefix(line, "sections: "); ok && ids != "" {
			sections = len(strings.Split(ids, ","))
		}
	}
	subject, _, _ := strings.Cut(commitObj.Message, "\n")
	return Entry{
		Hash:      commitObj.Hash.String()[:7],
		Message:   subject,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
		Sections:  sections,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
