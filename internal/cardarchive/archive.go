// Package cardarchive mirrors every saved card state into a per-user git
// repository so the card's evolution can be inspected with ordinary git
// tooling.
package cardarchive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cardstudio/api/internal/cardhistory"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const cardFile = "card.json"

var (
	ErrNoArchive     = errors.New("card archive not found")
	ErrUnknownCommit = errors.New("unknown archive commit")
)

type Commit struct {
	Hash        string    `json:"hash"`
	ShortHash   string    `json:"shortHash"`
	Annotation  string    `json:"annotation"`
	Author      string    `json:"author"`
	CommittedAt time.Time `json:"committedAt"`
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits the card state with the annotation as the message. An
// unchanged card still gets a commit so the annotation is kept.
func (s *Service) Record(userID string, snapshot cardhistory.Snapshot, annotation, author string) (Commit, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(userID)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	if snapshot.Values == nil {
		snapshot.Values = []string{}
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal card: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), cardFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", cardFile, err)
	}
	if _, err := worktree.Add(cardFile); err != nil {
		return Commit{}, fmt.Errorf("git add card: %w", err)
	}

	message := strings.TrimSpace(annotation)
	if message == "" {
		message = "Update card"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: sanitizeEmail(author) + "@users.cardstudio.local",
			When:  s.now(),
		},
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit card: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists commits newest first. A user without an archive gets an
// empty list.
func (s *Service) History(userID string, limit int) ([]Commit, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(userID)
	if errors.Is(err, ErrNoArchive) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, err
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := []Commit{}
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
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

// SnapshotAt reads the card as of a commit. Short hashes are accepted.
func (s *Service) SnapshotAt(userID, hash string) (cardhistory.Snapshot, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(userID)
	if err != nil {
		return cardhistory.Snapshot{}, err
	}
	commitObj, err := commitAt(repo, hash)
	if err != nil {
		return cardhistory.Snapshot{}, err
	}
	return readSnapshot(commitObj)
}

// Compare diffs the card between two commits.
func (s *Service) Compare(userID, fromHash, toHash string) (cardhistory.SnapshotDiff, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(userID)
	if err != nil {
		return cardhistory.SnapshotDiff{}, err
	}
	fromCommit, err := commitAt(repo, fromHash)
	if err != nil {
		return cardhistory.SnapshotDiff{}, err
	}
	toCommit, err := commitAt(repo, toHash)
	if err != nil {
		return cardhistory.SnapshotDiff{}, err
	}
	from, err := readSnapshot(fromCommit)
	if err != nil {
		return cardhistory.SnapshotDiff{}, err
	}
	to, err := readSnapshot(toCommit)
	if err != nil {
		return cardhistory.SnapshotDiff{}, err
	}
	return cardhistory.Diff(&from, to), nil
}

func (s *Service) repoPath(userID string) string {
	return filepath.Join(s.baseDir, sanitizePathSegment(userID))
}

func (s *Service) open(userID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(userID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoArchive
	}
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(userID string) (*git.Repository, error) {
	repo, err := s.open(userID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoArchive) {
		return nil, err
	}

	path := s.repoPath(userID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}
	return repo, nil
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

func commitAt(repo *git.Repository, hash string) (*object.Commit, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if !isCommitHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommit, hash)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrUnknownCommit, hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w %s: %v", ErrUnknownCommit, hash, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return commitObj, nil
}

// isCommitHash accepts full or abbreviated hex hashes only, so branch names
// and revision expressions are not resolved.
func isCommitHash(hash string) bool {
	if len(hash) < 4 || len(hash) > 40 {
		return false
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func readSnapshot(commitObj *object.Commit) (cardhistory.Snapshot, error) {
	file, err := commitObj.File(cardFile)
	if err != nil {
		return cardhistory.Snapshot{}, fmt.Errorf("load %s from commit: %w", cardFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return cardhistory.Snapshot{}, fmt.Errorf("read %s: %w", cardFile, err)
	}
	snapshot, err := cardhistory.ParseSnapshot([]byte(contents))
	if err != nil {
		return cardhistory.Snapshot{}, fmt.Errorf("decode %s: %w", cardFile, err)
	}
	return snapshot, nil
}

func toCommit(commitObj *object.Commit) Commit {
	full := commitObj.Hash.String()
	return Commit{
		Hash:        full,
		ShortHash:   full[:7],
		Annotation:  strings.TrimSpace(commitObj.Message),
		Author:      commitObj.Author.Name,
		CommittedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range strings.ToLower(input) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

// sanitizePathSegment keeps IDs from escaping the archive directory.
func sanitizePathSegment(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}
