// Package authsource scans a directory of per-account credential files and
// exposes the views the rotation controller and pool manager need: which
// indices exist, which parsed cleanly, which are canonical after email
// deduplication, and which are currently marked expired.
package authsource

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
)

var filenamePattern = regexp.MustCompile(`^auth-(\d+)\.json$`)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// normalizeEmail trims and lowercases an email key, returning ("", false) if
// it doesn't match local@domain.tld.
func normalizeEmail(raw string) (string, bool) {
	e := strings.ToLower(strings.TrimSpace(raw))
	if !emailPattern.MatchString(e) {
		return "", false
	}
	return e, true
}

// credential is one parsed credential file. Raw is kept verbatim so the pool
// manager can apply the full storage-state blob without this package having
// to know its shape beyond the email key.
type credential struct {
	Index int
	Email string // normalized; empty if absent or malformed
	Raw   json.RawMessage
}

// DuplicateGroup describes one set of credential files that share a
// normalized email: KeptIndex is the canonical (numerically greatest) index,
// RemovedIndices lists every other index in the group.
type DuplicateGroup struct {
	Email          string
	KeptIndex      int
	RemovedIndices []int
}

// Source is the Auth Source component: a directory-backed registry of
// account credential files with email-based deduplication.
type Source struct {
	dir string
	log *logging.Logger

	mu       sync.RWMutex
	found    map[int]bool       // every index seen on disk, parseable or not
	creds    map[int]credential // successfully parsed entries
	expired  map[int]bool       // explicitly marked, survives reload for present indices
	canonOf  map[int]int        // index -> canonical index for its email group
}

// New creates a Source reading credential files from dir. Call Reload once
// before using any view.
func New(dir string, log *logging.Logger) *Source {
	if log == nil {
		log = logging.Default()
	}
	return &Source{
		dir:     dir,
		log:     log,
		found:   make(map[int]bool),
		creds:   make(map[int]credential),
		expired: make(map[int]bool),
		canonOf: make(map[int]int),
	}
}

// Reload re-scans the directory, re-parses every file, and rebuilds the
// derived views. It returns whether the set of scanned indices (found on
// disk, whether or not parseable) changed since the previous scan. Expired
// marks are preserved for indices still present and dropped for indices that
// disappeared.
func (s *Source) Reload() (bool, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return false, fmt.Errorf("read auth dir %s: %w", s.dir, err)
		}
	}

	newFound := make(map[int]bool)
	newCreds := make(map[int]credential)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filenamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		newFound[idx] = true

		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn("auth file unreadable", zap.Int("index", idx), zap.Error(err))
			continue
		}
		var blob struct {
			Email string `json:"accountName"`
		}
		if err := json.Unmarshal(data, &blob); err != nil {
			s.log.Warn("auth file unparseable", zap.Int("index", idx), zap.Error(err))
			continue
		}
		email, _ := normalizeEmail(blob.Email)
		newCreds[idx] = credential{Index: idx, Email: email, Raw: data}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := !sameIndexSet(s.found, newFound)

	newExpired := make(map[int]bool, len(s.expired))
	for idx := range newFound {
		if s.expired[idx] {
			newExpired[idx] = true
		}
	}

	s.found = newFound
	s.creds = newCreds
	s.expired = newExpired
	s.canonOf = computeCanonical(newCreds)

	return changed, nil
}

func sameIndexSet(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// computeCanonical groups parsed credentials by normalized email and assigns
// every member the numerically-greatest index in its group. Entries with no
// valid email form a singleton group (their own canonical).
func computeCanonical(creds map[int]credential) map[int]int {
	groups := make(map[string][]int)
	for idx, c := range creds {
		key := c.Email
		if key == "" {
			key = fmt.Sprintf("__noemail__%d", idx)
		}
		groups[key] = append(groups[key], idx)
	}

	canon := make(map[int]int, len(creds))
	for _, idxs := range groups {
		sort.Ints(idxs)
		kept := idxs[len(idxs)-1]
		for _, i := range idxs {
			canon[i] = kept
		}
	}
	return canon
}

// InitialIndices returns every index found on disk, whether or not it parsed.
func (s *Source) InitialIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeysBool(s.found)
}

// AvailableIndices returns every index that parsed successfully.
func (s *Source) AvailableIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeysCred(s.creds)
}

// RotationIndices returns the canonical, non-expired indices: one per email
// group, sorted ascending.
func (s *Source) RotationIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	canonSet := make(map[int]bool)
	for _, kept := range s.canonOf {
		canonSet[kept] = true
	}
	out := make([]int, 0, len(canonSet))
	for idx := range canonSet {
		if s.expired[idx] {
			continue
		}
		if _, ok := s.creds[idx]; !ok {
			continue
		}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// DuplicateGroups returns one entry per email shared by two or more parsed
// credential files.
func (s *Source) DuplicateGroups() []DuplicateGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byEmail := make(map[string][]int)
	for idx, c := range s.creds {
		if c.Email == "" {
			continue
		}
		byEmail[c.Email] = append(byEmail[c.Email], idx)
	}

	var groups []DuplicateGroup
	for email, idxs := range byEmail {
		if len(idxs) < 2 {
			continue
		}
		sort.Ints(idxs)
		kept := idxs[len(idxs)-1]
		removed := make([]int, 0, len(idxs)-1)
		for _, i := range idxs[:len(idxs)-1] {
			removed = append(removed, i)
		}
		groups = append(groups, DuplicateGroup{Email: email, KeptIndex: kept, RemovedIndices: removed})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Email < groups[j].Email })
	return groups
}

// ExpiredIndices returns every index currently marked expired.
func (s *Source) ExpiredIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeysBool(s.expired)
}

// Canonical returns the canonical index for i's email group, or i itself if
// i has no parsed credential or no duplicate.
func (s *Source) Canonical(i int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kept, ok := s.canonOf[i]; ok {
		return kept
	}
	return i
}

// Raw returns the raw credential blob for i, for the pool manager to apply
// as browser storage state.
func (s *Source) Raw(i int) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[i]
	if !ok {
		return nil, false
	}
	return c.Raw, true
}

// SetExpired marks i expired. Survives Reload as long as i is still present
// on disk; callers (the pool manager, on an AuthExpired failure) call this
// explicitly, it is never inferred by Reload itself.
func (s *Source) SetExpired(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired[i] = true
}

// ClearExpired clears i's expired mark, used after a successful
// re-initialization with refreshed credentials.
func (s *Source) ClearExpired(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expired, i)
}

// RemoveAuth deletes the credential file for index i. It fails if no file
// exists for i. It never triggers an implicit Reload; callers must call
// Reload themselves to observe the change in the views.
func (s *Source) RemoveAuth(i int) error {
	s.mu.RLock()
	present := s.found[i]
	s.mu.RUnlock()
	if !present {
		return fmt.Errorf("authsource: no credential file for index %d", i)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("auth-%d.json", i))
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("authsource: remove %s: %w", path, err)
	}
	return nil
}

func sortedKeysBool(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func sortedKeysCred(m map[int]credential) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
