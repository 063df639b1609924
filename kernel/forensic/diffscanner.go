// Package forensic implements the measurement and comparison machinery spec
// §4.5 calls the Step Engine's forensic scan: a DiffScanner and TestParser
// that measure ground truth from the git working tree and test runner
// output, and a ForensicComparator that rules on whether a step's claimed
// envelope matches what was actually measured.
package forensic

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/flowkernel/orchestrator/kernel"
)

// GitDiff is the subset of kernel/vcs.Adapter the DiffScanner needs, kept
// narrow so tests can supply canned diff output without a real checkout.
type GitDiff interface {
	NumstatAgainst(ctx context.Context, baseSHA string) (string, error)
	StatusPorcelain(ctx context.Context) (string, error)
}

// DiffScanner measures the working-tree delta since a step's base commit.
// Per spec §4.5 it never fails the step on a measurement error: a git
// failure is recorded in DiffScanResult.ScanError, which the comparator lists
// among the verdict's discrepancies (so ClaimVerified is false); it raises no
// reward-hacking flag and does not by itself change the recommendation.
type DiffScanner struct {
	git GitDiff
}

// NewDiffScanner builds a DiffScanner over git.
func NewDiffScanner(git GitDiff) *DiffScanner {
	return &DiffScanner{git: git}
}

// Scan measures the diff between the working tree and baseSHA.
func (s *DiffScanner) Scan(ctx context.Context, baseSHA string) kernel.DiffScanResult {
	var result kernel.DiffScanResult

	numstat, err := s.git.NumstatAgainst(ctx, baseSHA)
	if err != nil {
		result.ScanError = "numstat: " + err.Error()
		return result
	}
	result.Files = parseNumstat(numstat)
	for _, f := range result.Files {
		result.Insertions += f.Insertions
		result.Deletions += f.Deletions
	}

	status, err := s.git.StatusPorcelain(ctx)
	if err != nil {
		result.ScanError = "status: " + err.Error()
		return result
	}
	result.Untracked, result.Staged = parsePorcelain(status)

	result.ContentHash = contentHash(result)
	result.Summary = summarize(result)
	return result
}

func parseNumstat(raw string) []kernel.FileDiff {
	var out []kernel.FileDiff
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		ins, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		path := fields[2]
		kind := "modified"
		if ins > 0 && del == 0 {
			kind = "added"
		} else if ins == 0 && del > 0 {
			kind = "deleted"
		}
		if strings.Contains(path, "=>") {
			kind = "renamed"
		}
		out = append(out, kernel.FileDiff{Path: path, ChangeKind: kind, Insertions: ins, Deletions: del})
	}
	return out
}

func parsePorcelain(raw string) (untracked, staged []string) {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		indexStatus := line[0]
		path := strings.TrimSpace(line[3:])
		switch {
		case line[0] == '?' && line[1] == '?':
			untracked = append(untracked, path)
		case indexStatus != ' ':
			staged = append(staged, path)
		}
	}
	return untracked, staged
}

func contentHash(r kernel.DiffScanResult) string {
	paths := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	h.Write([]byte(strconv.Itoa(r.Insertions)))
	h.Write([]byte(strconv.Itoa(r.Deletions)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func summarize(r kernel.DiffScanResult) string {
	if len(r.Files) == 0 && len(r.Untracked) == 0 {
		return "no changes"
	}
	return strconv.Itoa(len(r.Files)) + " files changed, +" + strconv.Itoa(r.Insertions) + "/-" + strconv.Itoa(r.Deletions)
}
