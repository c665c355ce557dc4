// Package patch parses and applies the Codex patch envelope format used by
// the apply_patch tool: a "*** Begin Patch" / "*** End Patch" envelope
// containing one or more Add/Delete/Update File hunks with unified-diff
// "@@" context markers. See pkg/engine's apply_patch tool schema for the
// Lark grammar the model is shown.
package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Action identifies what an individual file hunk does.
type Action int

const (
	ActionAdd Action = iota
	ActionDelete
	ActionUpdate
)

// Hunk is one file-level change within a patch envelope.
type Hunk struct {
	Action  Action
	Path    string
	MoveTo  string // set only for an update hunk with "*** Move to:"
	AddBody string // full content for an Add hunk
	Lines   []DiffLine
}

// DiffLineKind identifies a unified-diff line's role within an update hunk.
type DiffLineKind int

const (
	LineContext DiffLineKind = iota
	LineAdd
	LineRemove
)

// DiffLine is a single +/-/space line inside an update hunk.
type DiffLine struct {
	Kind DiffLineKind
	Text string
}

// Patch is a fully parsed envelope, ready to apply.
type Patch struct {
	Hunks []Hunk
}

const (
	beginMarker = "*** Begin Patch"
	endMarker   = "*** End Patch"
	addPrefix   = "*** Add File: "
	delPrefix   = "*** Delete File: "
	updPrefix   = "*** Update File: "
	movePrefix  = "*** Move to: "
	eofMarker   = "*** End of File"
	hunkMarker  = "@@"
)

// Parse parses a patch envelope. It returns an error naming the first
// malformed line rather than attempting partial recovery.
func Parse(text string) (*Patch, error) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != beginMarker {
		return nil, fmt.Errorf("patch: missing %q header", beginMarker)
	}
	lines = lines[1:]

	p := &Patch{}
	for len(lines) > 0 {
		line := lines[0]
		switch {
		case strings.TrimSpace(line) == endMarker:
			return p, nil
		case strings.HasPrefix(line, addPrefix):
			hunk, rest, err := parseAddHunk(line, lines[1:])
			if err != nil {
				return nil, err
			}
			p.Hunks = append(p.Hunks, hunk)
			lines = rest
		case strings.HasPrefix(line, delPrefix):
			p.Hunks = append(p.Hunks, Hunk{Action: ActionDelete, Path: strings.TrimPrefix(line, delPrefix)})
			lines = lines[1:]
		case strings.HasPrefix(line, updPrefix):
			hunk, rest, err := parseUpdateHunk(line, lines[1:])
			if err != nil {
				return nil, err
			}
			p.Hunks = append(p.Hunks, hunk)
			lines = rest
		default:
			return nil, fmt.Errorf("patch: unexpected line %q", line)
		}
	}
	return nil, fmt.Errorf("patch: missing %q footer", endMarker)
}

func parseAddHunk(header string, rest []string) (Hunk, []string, error) {
	hunk := Hunk{Action: ActionAdd, Path: strings.TrimPrefix(header, addPrefix)}
	var body strings.Builder
	i := 0
	for i < len(rest) {
		line := rest[i]
		if strings.HasPrefix(line, "*** ") {
			break
		}
		if !strings.HasPrefix(line, "+") {
			return Hunk{}, nil, fmt.Errorf("patch: add hunk line missing '+' prefix: %q", line)
		}
		body.WriteString(strings.TrimPrefix(line, "+"))
		body.WriteString("\n")
		i++
	}
	hunk.AddBody = body.String()
	return hunk, rest[i:], nil
}

func parseUpdateHunk(header string, rest []string) (Hunk, []string, error) {
	hunk := Hunk{Action: ActionUpdate, Path: strings.TrimPrefix(header, updPrefix)}
	i := 0
	if i < len(rest) && strings.HasPrefix(rest[i], movePrefix) {
		hunk.MoveTo = strings.TrimPrefix(rest[i], movePrefix)
		i++
	}
	for i < len(rest) {
		line := rest[i]
		if strings.HasPrefix(line, "*** ") && line != eofMarker {
			break
		}
		switch {
		case line == eofMarker:
			i++
			continue
		case strings.HasPrefix(line, hunkMarker):
			i++
			continue
		case strings.HasPrefix(line, "+"):
			hunk.Lines = append(hunk.Lines, DiffLine{Kind: LineAdd, Text: strings.TrimPrefix(line, "+")})
		case strings.HasPrefix(line, "-"):
			hunk.Lines = append(hunk.Lines, DiffLine{Kind: LineRemove, Text: strings.TrimPrefix(line, "-")})
		case strings.HasPrefix(line, " "):
			hunk.Lines = append(hunk.Lines, DiffLine{Kind: LineContext, Text: strings.TrimPrefix(line, " ")})
		default:
			return Hunk{}, nil, fmt.Errorf("patch: unrecognized update line %q", line)
		}
		i++
	}
	return hunk, rest[i:], nil
}

// Apply applies every hunk in p against files rooted at root. It stages each
// write to a temp file and renames into place only after every hunk has been
// computed successfully, so a hunk that fails to apply leaves every existing
// file unchanged and the temp files already staged are removed. Directories
// created for new files are not removed, and an error during the final
// renames can leave the earlier renames in place.
func Apply(root string, p *Patch) error {
	type staged struct {
		finalPath string
		tmpPath   string
		remove    bool
	}
	var writes []staged
	done := false
	defer func() {
		if done {
			return
		}
		for _, w := range writes {
			if w.tmpPath != "" {
				os.Remove(w.tmpPath)
			}
		}
	}()

	for _, h := range p.Hunks {
		target := filepath.Join(root, h.Path)
		switch h.Action {
		case ActionAdd:
			tmp, err := writeTemp(target, h.AddBody)
			if err != nil {
				return err
			}
			writes = append(writes, staged{finalPath: target, tmpPath: tmp})

		case ActionDelete:
			writes = append(writes, staged{finalPath: target, remove: true})

		case ActionUpdate:
			newContent, err := applyUpdateHunk(target, h)
			if err != nil {
				return err
			}
			dest := target
			if h.MoveTo != "" {
				dest = filepath.Join(root, h.MoveTo)
			}
			tmp, err := writeTemp(dest, newContent)
			if err != nil {
				return err
			}
			if h.MoveTo != "" {
				writes = append(writes, staged{finalPath: target, remove: true})
			}
			writes = append(writes, staged{finalPath: dest, tmpPath: tmp})
		}
	}

	for _, w := range writes {
		if w.remove {
			if err := os.Remove(w.finalPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("patch: remove %s: %w", w.finalPath, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(w.finalPath), 0o755); err != nil {
			return fmt.Errorf("patch: mkdir for %s: %w", w.finalPath, err)
		}
		if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
			return fmt.Errorf("patch: rename into %s: %w", w.finalPath, err)
		}
	}
	done = true
	return nil
}

func writeTemp(finalPath, content string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("patch: mkdir for %s: %w", finalPath, err)
	}
	f, err := os.CreateTemp(filepath.Dir(finalPath), ".patch-*")
	if err != nil {
		return "", fmt.Errorf("patch: create temp for %s: %w", finalPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("patch: write temp for %s: %w", finalPath, err)
	}
	return f.Name(), nil
}

// applyUpdateHunk rewrites target's content by matching the hunk's context
// and remove lines against a contiguous run of the original file, replacing
// it with the hunk's context and add lines.
func applyUpdateHunk(target string, h Hunk) (string, error) {
	original, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("patch: read %s: %w", target, err)
	}
	origLines := strings.Split(string(original), "\n")

	var before []string
	for _, dl := range h.Lines {
		if dl.Kind == LineAdd {
			continue
		}
		before = append(before, dl.Text)
	}

	start := indexOfSequence(origLines, before)
	if start < 0 {
		return "", fmt.Errorf("patch: context not found in %s", target)
	}

	var out []string
	out = append(out, origLines[:start]...)
	for _, dl := range h.Lines {
		switch dl.Kind {
		case LineContext, LineAdd:
			out = append(out, dl.Text)
		case LineRemove:
			// dropped
		}
	}
	out = append(out, origLines[start+len(before):]...)
	return strings.Join(out, "\n"), nil
}

func indexOfSequence(haystack, needle []string) int {
	if len(needle) == 0 {
		return 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, want := range needle {
			if haystack[i+j] != want {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
